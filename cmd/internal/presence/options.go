package presence

import (
	"errors"
	"regexp"
	"strings"
)

const (
	defaultSchema = "herald"
	defaultTable  = "presence"
)

type options struct {
	now    Clock
	schema string
	table  string
}

// Option configures a Store implementation.
type Option func(*options) error

// WithClock overrides the time source used for LastSeenAt/UpdatedAt.
func WithClock(now Clock) Option {
	return func(o *options) error {
		if now == nil {
			return errors.New("presence: nil clock")
		}
		o.now = now
		return nil
	}
}

// WithSchema sets the Postgres schema (default: "herald"). Ignored by other backends.
// The name is validated and safely quoted in queries.
func WithSchema(schema string) Option {
	return func(o *options) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("presence: empty schema")
		}
		if !isValidIdent(schema) {
			return errors.New("presence: invalid schema identifier")
		}
		o.schema = schema
		return nil
	}
}

// WithTable sets the table name (default: "presence").
func WithTable(table string) Option {
	return func(o *options) error {
		table = strings.TrimSpace(table)
		if !isValidIdent(table) {
			return errors.New("presence: invalid table identifier")
		}
		o.table = table
		return nil
	}
}

func buildOptions(opts []Option) (options, error) {
	o := options{now: defaultClock, schema: defaultSchema, table: defaultTable}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return options{}, err
		}
	}
	return o, nil
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func isValidIdent(s string) bool { return identRe.MatchString(s) }
