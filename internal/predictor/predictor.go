// Package predictor computes the next firing instant of a cron pattern.
//
// Patterns use the classic five fields (minute hour day-of-month month
// day-of-week) with wildcards, lists, ranges, steps and month/weekday names.
// Descriptors such as "@hourly" and "@daily" are accepted as well; "@every"
// is not, since it is not aligned to minute boundaries.
package predictor

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// PatternError reports a pattern that cannot be parsed or never fires.
// It is permanent: retrying the same pattern yields the same error.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "invalid scheduling pattern " + strconv.Quote(e.Pattern) + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error { return e.Err }

// IsPatternError reports whether err (or anything it wraps) is a *PatternError.
func IsPatternError(err error) bool {
	var pe *PatternError
	return errors.As(err, &pe)
}

// Predictor maps a pattern and a reference instant to the next match.
type Predictor interface {
	NextMatch(pattern string, from time.Time) (time.Time, error)
}

// CronPredictor is the standard five-field implementation.
type CronPredictor struct {
	parser cron.Parser
}

var errNoMatch = errors.New("pattern has no future match")

// New returns a predictor without a seconds field.
func New() CronPredictor {
	return CronPredictor{parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)}
}

// NextMatch returns the earliest minute boundary strictly after from that
// matches pattern, evaluated in from's location.
func (p CronPredictor) NextMatch(pattern string, from time.Time) (time.Time, error) {
	sched, err := p.parse(pattern)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, &PatternError{Pattern: pattern, Err: errNoMatch}
	}
	return next, nil
}

// Validate parses pattern and checks that it fires at least once.
func (p CronPredictor) Validate(pattern string) error {
	_, err := p.NextMatch(pattern, time.Now())
	return err
}

func (p CronPredictor) parse(pattern string) (cron.Schedule, error) {
	expr := strings.TrimSpace(pattern)
	if expr == "" {
		return nil, &PatternError{Pattern: pattern, Err: errors.New("pattern is empty")}
	}
	upper := strings.ToUpper(expr)
	switch {
	case strings.HasPrefix(upper, "TZ="), strings.HasPrefix(upper, "CRON_TZ="):
		return nil, &PatternError{Pattern: pattern, Err: errors.New("time zone prefixes are not supported")}
	case strings.HasPrefix(upper, "@EVERY"):
		return nil, &PatternError{Pattern: pattern, Err: errors.New("@every is not supported")}
	}
	if p.parser == (cron.Parser{}) {
		p = New()
	}
	sched, err := p.parser.Parse(expr)
	if err != nil {
		return nil, &PatternError{Pattern: pattern, Err: err}
	}
	return sched, nil
}

// NextMatch uses a default CronPredictor.
func NextMatch(pattern string, from time.Time) (time.Time, error) {
	return New().NextMatch(pattern, from)
}

// Validate uses a default CronPredictor.
func Validate(pattern string) error {
	return New().Validate(pattern)
}
