package quest

// Record is the persisted state of one keyed resource.
//
// Completed is a historical flag: it says data has arrived at least once,
// not that data is present now. Presence of data is Data != nil. Err may
// coexist with Loading while a retry is in flight; the previous failure
// stays visible until the new attempt settles.
type Record struct {
	Loading   bool
	Completed bool
	Err       error
	Data      any
}

// DefaultRecord is what any never-initialized key reads as.
func DefaultRecord() Record {
	return Record{}
}

func (r Record) HasData() bool {
	return r.Data != nil
}
