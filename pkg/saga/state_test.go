package saga

import "testing"

func TestStatusTransitions(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusRunning, StatusSucceeded},
		{StatusRunning, StatusCompensating},
		{StatusCompensating, StatusCompensated},
		{StatusCompensating, StatusFailed},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusRunning, StatusCompensated},
		{StatusRunning, StatusFailed},
		{StatusSucceeded, StatusRunning},
		{StatusCompensated, StatusCompensating},
		{StatusFailed, StatusRunning},
		{StatusCompensating, StatusSucceeded},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for status, terminal := range map[Status]bool{
		StatusRunning:      false,
		StatusCompensating: false,
		StatusSucceeded:    true,
		StatusCompensated:  true,
		StatusFailed:       true,
	} {
		if status.Terminal() != terminal {
			t.Errorf("Terminal(%s) = %v, want %v", status, status.Terminal(), terminal)
		}
	}
}

func TestInstanceTransitionRejectsIllegalEdge(t *testing.T) {
	def := &Definition{ID: "d", Steps: []Step{{Name: "a", Action: nopAction}}}
	in := NewInstance("sg-1", def, nil)

	if err := in.Transition(StatusFailed); err == nil {
		t.Fatal("expected error for running -> failed")
	}
	if in.Status != StatusRunning {
		t.Errorf("status changed after rejected transition: %s", in.Status)
	}

	if err := in.Transition(StatusSucceeded); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if err := in.Transition(StatusCompensating); err == nil {
		t.Fatal("expected error for transition out of terminal state")
	}
}

func TestDefinitionValidate(t *testing.T) {
	cases := []struct {
		name    string
		def     *Definition
		wantErr bool
	}{
		{"valid", &Definition{ID: "d", Steps: []Step{{Name: "a", Action: nopAction}}}, false},
		{"no id", &Definition{Steps: []Step{{Name: "a", Action: nopAction}}}, true},
		{"no steps", &Definition{ID: "d"}, true},
		{"unnamed step", &Definition{ID: "d", Steps: []Step{{Action: nopAction}}}, true},
		{"nil action", &Definition{ID: "d", Steps: []Step{{Name: "a"}}}, true},
		{"duplicate step", &Definition{ID: "d", Steps: []Step{
			{Name: "a", Action: nopAction}, {Name: "a", Action: nopAction},
		}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestIdempotencyKeyShape(t *testing.T) {
	key := IdempotencyKey("sg-1", "reserve", 2)
	if key != "sg-1:reserve:2" {
		t.Errorf("unexpected key %q", key)
	}
	if key == IdempotencyKey("sg-1", "reserve", 3) {
		t.Error("different attempts must yield different keys")
	}
}
