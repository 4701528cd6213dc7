// Package topic 实现主题名/主题过滤器的校验与匹配
package topic

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxTopicLength = 65535

var ErrInvalidTopic = errors.New("invalid topic")

// ValidateName 校验发布使用的主题名，不允许包含通配符
func ValidateName(name string) error {
	if err := validateCommon(name); err != nil {
		return err
	}
	if strings.ContainsAny(name, "+#") {
		return fmt.Errorf("%w: topic name %q must not contain wildcards", ErrInvalidTopic, name)
	}
	return nil
}

// ValidateFilter 校验订阅使用的主题过滤器
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return err
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: '#' must occupy the last level, filter: %s", ErrInvalidTopic, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: '+' must occupy an entire level, filter: %s", ErrInvalidTopic, filter)
		}
	}
	return nil
}

func validateCommon(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	if len(s) > maxTopicLength {
		return fmt.Errorf("%w: topic longer than %d bytes", ErrInvalidTopic, maxTopicLength)
	}
	if !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: topic must be valid UTF-8 without NUL", ErrInvalidTopic)
	}
	return nil
}

// Match 判断主题名是否匹配过滤器
func Match(filter, name string) bool {
	// 以 $ 开头的主题不能被首层通配符匹配
	if strings.HasPrefix(name, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}
	filterLevels := strings.Split(filter, "/")
	nameLevels := strings.Split(name, "/")
	for i, level := range filterLevels {
		if level == "#" {
			return true
		}
		if i >= len(nameLevels) {
			return false
		}
		if level != "+" && level != nameLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(nameLevels)
}
