package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidTimeFormat = errors.New("invalid time format")

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime 解析形如 "10ms"、"5s"、"20m"、"48h"、"2d" 的时间字符串
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	for _, unit := range timeUnits {
		cutString, found := strings.CutSuffix(timeString, unit.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil || number < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, timeString)
		}
		return time.Duration(number) * unit.unit, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, timeString)
}

// ParseStringTimeOr 解析失败或为空时返回 fallback
func ParseStringTimeOr(timeString string, fallback time.Duration) time.Duration {
	if timeString == "" {
		return fallback
	}
	duration, err := ParseStringTime(timeString)
	if err != nil {
		return fallback
	}
	return duration
}
