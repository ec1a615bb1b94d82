package harness

import (
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/dispatchworks/printload/internal/alerts"
	"github.com/dispatchworks/printload/internal/common/loaderrors"
)

// Plan is the user-provided description of one load test run.
type Plan struct {
	Name   string            `yaml:"name"`
	Target TargetSpec        `yaml:"target"`
	Load   LoadSpec          `yaml:"load"`
	Alerts alerts.Thresholds `yaml:"alerts"`
}

// TargetSpec describes the endpoint under test.
type TargetSpec struct {
	URL            string `yaml:"url"`
	Method         string `yaml:"method"`
	Body           string `yaml:"body"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// LoadSpec describes the concurrency pattern and the control target.
type LoadSpec struct {
	InitialUsers              int     `yaml:"initialUsers"`
	MaxUsers                  int     `yaml:"maxUsers"`
	StepSize                  int     `yaml:"stepSize"`
	TargetResponseTimeMs      float64 `yaml:"targetResponseTimeMs"`
	AdjustmentIntervalSeconds int     `yaml:"adjustmentIntervalSeconds"`
	DurationSeconds           int     `yaml:"durationSeconds"`
}

func (s LoadSpec) AdjustmentInterval() time.Duration {
	return time.Duration(s.AdjustmentIntervalSeconds) * time.Second
}

func (s LoadSpec) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

// LoadPlan reads and validates a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read plan file %s", path)
	}
	plan := &Plan{}
	if err := yaml.Unmarshal(data, plan); err != nil {
		return nil, errors.WithMessagef(err, "failed to parse plan file %s", path)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate checks all plan fields and reports every invalid one, not just the
// first.
func (p *Plan) Validate() error {
	var result *multierror.Error
	invalid := func(name string, value interface{}, message string) {
		result = multierror.Append(result, errors.WithStack(&loaderrors.ErrInvalidArgument{
			Name: name, Value: value, Message: message,
		}))
	}

	if p.Name == "" {
		invalid("name", p.Name, "not provided")
	}
	if p.Target.URL == "" {
		invalid("target.url", p.Target.URL, "not provided")
	}
	if p.Load.InitialUsers <= 0 {
		invalid("load.initialUsers", p.Load.InitialUsers, "must be positive")
	}
	if p.Load.MaxUsers < p.Load.InitialUsers {
		invalid("load.maxUsers", p.Load.MaxUsers, "must be at least load.initialUsers")
	}
	if p.Load.StepSize <= 0 {
		invalid("load.stepSize", p.Load.StepSize, "must be positive")
	}
	if p.Load.TargetResponseTimeMs <= 0 {
		invalid("load.targetResponseTimeMs", p.Load.TargetResponseTimeMs, "must be positive")
	}
	if p.Load.AdjustmentIntervalSeconds <= 0 {
		invalid("load.adjustmentIntervalSeconds", p.Load.AdjustmentIntervalSeconds, "must be positive")
	}
	if p.Load.DurationSeconds <= 0 {
		invalid("load.durationSeconds", p.Load.DurationSeconds, "must be positive")
	}
	return result.ErrorOrNil()
}

// thresholds returns the plan's alert thresholds, falling back to the defaults
// if the plan does not set any.
func (p *Plan) thresholds() alerts.Thresholds {
	if (p.Alerts == alerts.Thresholds{}) {
		return alerts.DefaultThresholds()
	}
	return p.Alerts
}
