package model

import (
	"encoding/json"
	"testing"
)

func TestDocument_Merge_isolatesSteps(t *testing.T) {
	doc := Document{
		StepContact: {"phone": "0501234567"},
		StepAddress: {"city": "Riyadh", "region": "Central"},
	}
	doc.Merge(StepAddress, SubDocument{"city": "Jeddah"})

	if doc[StepAddress]["city"] != "Jeddah" {
		t.Errorf("address.city = %v, want Jeddah", doc[StepAddress]["city"])
	}
	if doc[StepAddress]["region"] != "Central" {
		t.Errorf("address.region lost: %v", doc[StepAddress])
	}
	if len(doc[StepContact]) != 1 || doc[StepContact]["phone"] != "0501234567" {
		t.Errorf("contact changed: %v", doc[StepContact])
	}
}

func TestDocument_Merge_createsMissingStep(t *testing.T) {
	doc := Document{}
	doc.Merge(StepBranch, SubDocument{"branchId": "br-1"})
	if doc[StepBranch]["branchId"] != "br-1" {
		t.Errorf("branch = %v", doc[StepBranch])
	}
}

func TestDocument_Clone_independent(t *testing.T) {
	doc := Document{StepPersonal: {"fullName": "Ali"}}
	clone := doc.Clone()
	clone[StepPersonal]["fullName"] = "Omar"
	if doc[StepPersonal]["fullName"] != "Ali" {
		t.Error("mutating the clone changed the original")
	}
}

func TestStepSet_JSONRoundTrip(t *testing.T) {
	s := NewStepSet(3, 1, 2)
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != "[1,2,3]" {
		t.Errorf("Marshal = %s, want [1,2,3]", data)
	}

	var back StepSet
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Len() != 3 || !back.Has(1) || !back.Has(3) {
		t.Errorf("Unmarshal = %v", back)
	}
}

func TestStepSet_emptyMarshalsAsArray(t *testing.T) {
	data, _ := json.Marshal(StepSet(nil))
	if string(data) != "[]" {
		t.Errorf("Marshal(nil) = %s, want []", data)
	}
}

func TestWorkflowState_StepStatus(t *testing.T) {
	s := WorkflowState{
		CompletedSteps: NewStepSet(1, 2),
		StaleSteps:     NewStepSet(2),
	}
	if got := s.StepStatus(1); got != StepStatusCompleted {
		t.Errorf("StepStatus(1) = %q", got)
	}
	if got := s.StepStatus(2); got != StepStatusCompletedStale {
		t.Errorf("StepStatus(2) = %q", got)
	}
	if got := s.StepStatus(3); got != StepStatusNotStarted {
		t.Errorf("StepStatus(3) = %q", got)
	}
}

func TestWorkflowState_Clone(t *testing.T) {
	s := WorkflowState{
		CompletedSteps: NewStepSet(1),
		StaleSteps:     NewStepSet(),
		Document:       Document{StepPersonal: {"fullName": "Ali"}},
		Submission:     &SubmissionResult{ReferenceID: "REG-1"},
	}
	c := s.Clone()
	c.CompletedSteps.Add(2)
	c.Document[StepPersonal]["fullName"] = "Omar"
	c.Submission.ReferenceID = "REG-2"

	if s.CompletedSteps.Has(2) {
		t.Error("clone shares CompletedSteps")
	}
	if s.Document[StepPersonal]["fullName"] != "Ali" {
		t.Error("clone shares Document")
	}
	if s.Submission.ReferenceID != "REG-1" {
		t.Error("clone shares Submission")
	}
}
