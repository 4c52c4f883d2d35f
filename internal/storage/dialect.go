package storage

import sq "github.com/Masterminds/squirrel"

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name        string
	Placeholder sq.PlaceholderFormat
	// Greatest is the two-argument maximum function.
	Greatest string
}

var (
	Postgres = Dialect{Name: "postgres", Placeholder: sq.Dollar, Greatest: "GREATEST"}
	SQLite   = Dialect{Name: "sqlite", Placeholder: sq.Question, Greatest: "MAX"}
)

func (d Dialect) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(d.Placeholder)
}
