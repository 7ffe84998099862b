// Package negotium cron schedules.
package negotium

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// CrontabSpec builds a five-field cron expression. Each field takes a
// single integer; nil fields render as "*". Expression, when set, wins and
// may carry the full standard cron syntax (ranges, steps, lists).
type CrontabSpec struct {
	Minute     *int
	Hour       *int
	DayOfMonth *int
	Month      *int
	DayOfWeek  *int
	Expression string
}

// Field wraps an integer for use in a CrontabSpec.
func Field(v int) *int {
	return &v
}

// Crontab holds a cron expression and yields successive fire times.
type Crontab struct {
	expression string
	schedule   cron.Schedule
}

// NewCrontab validates the spec and compiles its schedule. At least one
// field or an expression must be supplied.
func NewCrontab(spec CrontabSpec) (*Crontab, error) {
	expr := spec.Expression
	if expr == "" {
		if spec.Minute == nil && spec.Hour == nil && spec.DayOfMonth == nil &&
			spec.Month == nil && spec.DayOfWeek == nil {
			return nil, fmt.Errorf("%w: provide at least one field or an expression", ErrInvalidCrontab)
		}
		expr = fmt.Sprintf("%s %s %s %s %s",
			cronField(spec.Minute), cronField(spec.Hour), cronField(spec.DayOfMonth),
			cronField(spec.Month), cronField(spec.DayOfWeek))
	}

	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCrontab, err)
	}
	return &Crontab{expression: expr, schedule: schedule}, nil
}

// ParseCrontab rebuilds a Crontab from its wire expression.
func ParseCrontab(expression string) (*Crontab, error) {
	return NewCrontab(CrontabSpec{Expression: expression})
}

// Expression returns the string form used as the "_cron" wire value.
func (c *Crontab) Expression() string {
	return c.expression
}

func (c *Crontab) String() string {
	return c.expression
}

// Next returns the first fire time strictly after t.
func (c *Crontab) Next(t time.Time) time.Time {
	return c.schedule.Next(t)
}

func cronField(v *int) string {
	if v == nil {
		return "*"
	}
	return strconv.Itoa(*v)
}
