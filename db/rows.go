package db

type Row interface {
	Scan(dest ...any) error
}

// EmptyRow is a struct for storing empty row
type EmptyRow struct{}

func (r *EmptyRow) Scan(dest ...any) error { return nil }

// Rows is an interface for iterating over a DB result set
type Rows interface {
	Next() bool
	Err() error
	Scan(dest ...interface{}) error
	Columns() ([]string, error)
	Close() error
}

// EmptyRows is a Rows implementation over an empty result set
type EmptyRows struct{}

func (r *EmptyRows) Next() bool                     { return false }
func (r *EmptyRows) Err() error                     { return nil }
func (r *EmptyRows) Scan(dest ...interface{}) error { return nil }
func (r *EmptyRows) Columns() ([]string, error)     { return nil, nil }
func (r *EmptyRows) Close() error                   { return nil }
