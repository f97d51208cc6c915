package models

// TestStep is one instruction of a browser test script
type TestStep struct {
	Number        int    `json:"number" yaml:"number"`
	Description   string `json:"description" yaml:"description"`
	Action        string `json:"action" yaml:"action"`
	ExpectedState string `json:"expectedState,omitempty" yaml:"expected_state,omitempty"`
}

// TestScript is the ordered step list of the execution being debugged
type TestScript struct {
	ExecutionID int64      `json:"executionId" yaml:"execution_id"`
	TestID      string     `json:"testId" yaml:"test_id"`
	UserID      string     `json:"userId" yaml:"user_id"`
	Name        string     `json:"name" yaml:"name"`
	BaseURL     string     `json:"baseUrl" yaml:"base_url"`
	Steps       []TestStep `json:"steps" yaml:"steps"`
}

// Step returns the step with the given 1-based number
func (s *TestScript) Step(number int) (TestStep, bool) {
	if number < 1 || number > len(s.Steps) {
		return TestStep{}, false
	}
	return s.Steps[number-1], true
}

// Prerequisites returns the steps that precede target
func (s *TestScript) Prerequisites(target int) []TestStep {
	if target <= 1 {
		return nil
	}
	if target-1 > len(s.Steps) {
		return s.Steps
	}
	return s.Steps[:target-1]
}
