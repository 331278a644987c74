package net

import (
	"bytes"
	"encoding/gob"
)

// Concrete frame body types are registered with gob by the package that
// sends them (rmi registers Request and Response in its init()), since
// Message is encoded through an interface{} wrapper here.

func encodeBody(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(&msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBody(body []byte) (Message, error) {
	var msg Message
	dec := gob.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}
