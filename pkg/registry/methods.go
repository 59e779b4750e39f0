package registry

import (
	"github.com/taskmesh/taskmesh/pkg/task"
)

// ReasoningParams is the schema for run_reasoning.
type ReasoningParams struct {
	Prompt      string  `json:"prompt" validate:"required,min=1"`
	Priority    string  `json:"priority,omitempty" validate:"omitempty,oneof=critical high normal low"`
	MaxTokens   int     `json:"max_tokens,omitempty" validate:"omitempty,min=1,max=131072"`
	Temperature float64 `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
}

// CodegenParams is the schema for run_codegen.
type CodegenParams struct {
	Prompt   string `json:"prompt" validate:"required,min=1"`
	Language string `json:"language,omitempty" validate:"omitempty,alphanum"`
	Priority string `json:"priority,omitempty" validate:"omitempty,oneof=critical high normal low"`
}

// MLParams is the schema for run_ml optimization jobs.
type MLParams struct {
	Objective string         `json:"objective" validate:"required,min=1"`
	Dataset   string         `json:"dataset" validate:"required,min=1"`
	Trials    int            `json:"trials,omitempty" validate:"omitempty,min=1,max=10000"`
	Space     map[string]any `json:"space,omitempty"`
	Priority  string         `json:"priority,omitempty" validate:"omitempty,oneof=critical high normal low"`
}

// SandboxLimits bounds resource usage for one sandbox job.
type SandboxLimits struct {
	CPUCores         float64 `json:"cpu_cores,omitempty" validate:"omitempty,gt=0,lte=16"`
	MemoryBytes      int64   `json:"memory_bytes,omitempty" validate:"omitempty,min=1048576"`
	WallclockSeconds int     `json:"wallclock_seconds,omitempty" validate:"omitempty,min=1,max=3600"`
	Pids             int64   `json:"pids,omitempty" validate:"omitempty,min=1,max=4096"`
	TmpfsBytes       int64   `json:"tmpfs_bytes,omitempty" validate:"omitempty,min=0"`
	OutputBytesCap   int64   `json:"output_bytes_cap,omitempty" validate:"omitempty,min=0"`
}

// SandboxParams is the schema for run_sandbox.
type SandboxParams struct {
	Image         string            `json:"image" validate:"required,min=1"`
	Cmd           []string          `json:"cmd" validate:"required,min=1,dive,required"`
	Env           map[string]string `json:"env,omitempty"`
	Limits        SandboxLimits     `json:"limits,omitempty"`
	Network       string            `json:"network,omitempty" validate:"omitempty,oneof=none allowlist"`
	Allowlist     []string          `json:"allowlist,omitempty" validate:"omitempty,dive,hostname_port"`
	SyscallPolicy string            `json:"syscall_policy,omitempty" validate:"omitempty,oneof=default-strict permissive"`
	Priority      string            `json:"priority,omitempty" validate:"omitempty,oneof=critical high normal low"`
}

// SagaParams is the schema for run_saga.
type SagaParams struct {
	Definition string         `json:"definition" validate:"required,min=1"`
	Input      map[string]any `json:"input,omitempty"`
	Priority   string         `json:"priority,omitempty" validate:"omitempty,oneof=critical high normal low"`
}

// RegisterBuiltins installs the v1 method catalog.
func RegisterBuiltins(r *Registry) error {
	builtins := []*Method{
		{
			Name:            "run_reasoning",
			Capability:      task.CapabilityReasoning,
			DefaultPriority: task.PriorityNormal,
			MaxPriority:     task.PriorityCritical,
			NewParams:       func() any { return &ReasoningParams{} },
		},
		{
			Name:            "run_codegen",
			Capability:      task.CapabilityCodegen,
			DefaultPriority: task.PriorityNormal,
			MaxPriority:     task.PriorityCritical,
			NewParams:       func() any { return &CodegenParams{} },
		},
		{
			Name:            "run_ml",
			Capability:      task.CapabilityML,
			DefaultPriority: task.PriorityLow,
			MaxPriority:     task.PriorityHigh,
			NewParams:       func() any { return &MLParams{} },
		},
		{
			Name:            "run_sandbox",
			Capability:      task.CapabilitySandbox,
			DefaultPriority: task.PriorityNormal,
			MaxPriority:     task.PriorityHigh,
			NewParams:       func() any { return &SandboxParams{} },
		},
	}
	for _, m := range builtins {
		m.Version = DefaultVersion
		if err := r.Register(m); err != nil {
			return err
		}
	}
	return nil
}
