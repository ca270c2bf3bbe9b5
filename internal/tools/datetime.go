package tools

import (
	"context"
	"time"

	"github.com/derekja/sample-s2s-voip-gateway/internal/event"
)

// DateTimeToolName is the name the session uses to ask for the current time
const DateTimeToolName = "getDateAndTimeTool"

const emptySchema = `{"type":"object","properties":{},"required":[]}`

// DateTimeTool reports the current date and time
type DateTimeTool struct {
	loc *time.Location
	now func() time.Time
}

// NewDateTimeTool creates the date/time tool. A nil loc means local time and
// a nil now means time.Now.
func NewDateTimeTool(loc *time.Location, now func() time.Time) *DateTimeTool {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &DateTimeTool{loc: loc, now: now}
}

func (d *DateTimeTool) Name() string { return DateTimeToolName }

func (d *DateTimeTool) Spec() event.ToolSpec {
	return event.ToolSpec{ToolSpec: event.ToolSpecBody{
		Name:        DateTimeToolName,
		Description: "Get information about the current date and time.",
		InputSchema: event.ToolInputSchema{JSON: emptySchema},
	}}
}

// Run ignores its input
func (d *DateTimeTool) Run(ctx context.Context, content string, output map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := d.now().In(d.loc)
	zone, _ := now.Zone()

	output["date"] = now.Format("2006-01-02")
	output["year"] = now.Year()
	output["month"] = int(now.Month())
	output["day"] = now.Day()
	output["dayOfWeek"] = now.Weekday().String()
	output["timezone"] = zone
	output["formattedTime"] = now.Format("03:04 PM")
	return nil
}
