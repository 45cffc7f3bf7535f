package config

import (
	"strings"
	"time"

	"jobrunner/pkg/errx"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errx.Mark(errx.Wrapf(err, "%s: invalid duration %q", path, raw), errx.ErrValidation)
	}
	if d < 0 {
		return 0, errx.Validationf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
