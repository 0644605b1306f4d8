package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const runIDPrefix = "run_"

var runIDRegex = regexp.MustCompile(`^run_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// GenerateRunID returns a new identifier for one execution of a work item.
// A task may be gated many times; each attempt gets its own run ID.
func GenerateRunID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return runIDPrefix + id.String(), nil
}

func ValidateRunID(id string) bool {
	return runIDRegex.MatchString(id)
}

// ParseRunID returns the UUID portion of a run ID.
func ParseRunID(id string) (uuid.UUID, error) {
	if !ValidateRunID(id) {
		return uuid.Nil, fmt.Errorf("invalid run ID format: %s", id)
	}
	return uuid.Parse(strings.TrimPrefix(id, runIDPrefix))
}
