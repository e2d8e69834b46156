package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"
)

type Config struct {
	DBPath       string
	SessionID    int64
	MinTimestamp *time.Time
	MaxTimestamp *time.Time
}

func NewConfig() *Config {
	return &Config{}
}

// NewConfigFromCLI parses the command line arguments, without the program name
func NewConfigFromCLI(args []string, output io.Writer) (*Config, error) {
	c := NewConfig()

	fs := flag.NewFlagSet("catalog", flag.ContinueOnError)
	fs.SetOutput(output)

	var from, to string
	fs.StringVar(&c.DBPath, "db", "", "Path to the catalog database file")
	fs.Int64Var(&c.SessionID, "s", 0, "Session ID; lists the sessions when omitted")
	fs.StringVar(&from, "from", "", "Only records committed at or after this time (RFC3339)")
	fs.StringVar(&to, "to", "", "Only records committed at or before this time (RFC3339)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "from":
			c.MinTimestamp, err = parseTimestamp("from", from)
		case "to":
			c.MaxTimestamp, err = parseTimestamp("to", to)
		}
	})

	if err == nil {
		switch {
		case c.DBPath == "":
			err = errors.New("db path is required")
		case c.SessionID < 0:
			err = fmt.Errorf("invalid session id: %d", c.SessionID)
		case c.SessionID == 0 && (c.MinTimestamp != nil || c.MaxTimestamp != nil):
			err = errors.New("time filters require a session id")
		case c.MinTimestamp != nil && c.MaxTimestamp != nil && c.MaxTimestamp.Before(*c.MinTimestamp):
			err = errors.New("-to must not be before -from")
		}
	}

	if err != nil {
		fs.Usage()
		return nil, err
	}

	return c, nil
}

func parseTimestamp(name, value string) (*time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid -%s time %q: %w", name, value, err)
	}
	return &t, nil
}
