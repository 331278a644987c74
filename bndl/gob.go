package bndl

import "encoding/gob"

// registerGob registers a zero value's concrete type with the gob codec
// used throughout bndl/sliceio, bndl/shuffle and bndl/cache; every record
// type a dataset may produce and store behind an interface{} must be
// registered once, the same requirement the teacher avoids by carrying
// static reflect.Type columns instead of interface{} batches.
func registerGob(zero interface{}) { gob.Register(zero) }
