package alert

import (
	"context"
	"errors"

	"socialpilot/internal/automation"
	"socialpilot/internal/ports"
)

// Tee writes every activity to primary and then to each sink. The primary's
// error is returned as is; sink errors are joined after it.
type Tee struct {
	Primary ports.ActivityLog
	Sinks   []ports.ActivityLog
}

func (t Tee) Record(ctx context.Context, a automation.Activity) error {
	var errs []error
	if t.Primary != nil {
		if err := t.Primary.Record(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range t.Sinks {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
