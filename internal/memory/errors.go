package memory

import "fmt"

// StoreWriteError reports a failed document store write. The vector index
// was not touched; both stores are still consistent.
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("document store write (%s): %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// IndexWriteError reports a failed vector index write after the document
// store write already succeeded. The stores are now inconsistent for the
// affected ids; RebuildIndex is the repair path.
type IndexWriteError struct {
	Op  string
	Err error
}

func (e *IndexWriteError) Error() string {
	return fmt.Sprintf("vector index write (%s): %v", e.Op, e.Err)
}

func (e *IndexWriteError) Unwrap() error { return e.Err }

// EmbeddingError reports a failed embedding call. It is raised before any
// store mutation, so both stores are untouched.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }
