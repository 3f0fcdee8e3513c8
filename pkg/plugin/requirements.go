package plugin

import (
	"errors"

	"EmuHub/internal/service"
)

// checkRequirements verifies that every service a plugin declares as required
// is present. The returned error carries UNKNOWN_SERVICE and is therefore fatal.
func checkRequirements(p Plugin, services *service.Registry) error {
	req, ok := p.(Requirer)
	if !ok {
		return nil
	}
	var errs []error
	for _, name := range req.Requires() {
		if services == nil {
			errs = append(errs, service.ErrUnknownService)
			break
		}
		if _, err := services.Get(name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return Fatal(errors.Join(errs...))
}
