package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evan-idocoding/ztask/rt/task"
)

// Scenario is a scripted sequence of operations on one task object.
type Scenario struct {
	Name     string        `yaml:"name"`
	Schedule string        `yaml:"schedule"`
	Work     time.Duration `yaml:"work"`
	Fail     bool          `yaml:"fail"`
	Steps    []Step        `yaml:"steps"`
}

// Step holds exactly one operation.
type Step struct {
	// Perform calls Perform that many times.
	Perform int `yaml:"perform,omitempty"`
	// Cancel cancels the n-th performed instance (1-based).
	Cancel    int           `yaml:"cancel,omitempty"`
	CancelAll bool          `yaml:"cancelAll,omitempty"`
	Advance   time.Duration `yaml:"advance,omitempty"`
	Schedule  string        `yaml:"schedule,omitempty"`
	Destroy   bool          `yaml:"destroy,omitempty"`
}

func (s Step) String() string {
	switch {
	case s.Perform > 0:
		return fmt.Sprintf("perform x%d", s.Perform)
	case s.Cancel > 0:
		return fmt.Sprintf("cancel #%d", s.Cancel)
	case s.CancelAll:
		return "cancel all"
	case s.Advance > 0:
		return "advance " + s.Advance.String()
	case s.Schedule != "":
		return "schedule " + s.Schedule
	case s.Destroy:
		return "destroy"
	default:
		return "noop"
	}
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{s.Perform > 0, s.Cancel > 0, s.CancelAll, s.Advance > 0, s.Schedule != "", s.Destroy} {
		if set {
			n++
		}
	}
	return n
}

func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseScenario(data)
}

func parseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("scenario: yaml parse error: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if sc.Schedule == "" {
		sc.Schedule = task.Concurrent.String()
	}
	if _, err := task.ParseSchedule(sc.Schedule); err != nil {
		return fmt.Errorf("scenario: %w", err)
	}
	if sc.Work < 0 {
		return errors.New("scenario: work must not be negative")
	}
	if len(sc.Steps) == 0 {
		return errors.New("scenario: no steps")
	}
	for i, st := range sc.Steps {
		if n := st.actions(); n != 1 {
			return fmt.Errorf("scenario: step %d has %d operations, want exactly 1", i+1, n)
		}
		if st.Schedule != "" {
			if _, err := task.ParseSchedule(st.Schedule); err != nil {
				return fmt.Errorf("scenario: step %d: %w", i+1, err)
			}
		}
	}
	return nil
}
