package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("secret", time.Hour)
	token, err := v.Issue("u1", "Ada", "interviewer", "")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.UserID() != "u1" || claims.Name != "Ada" || claims.Role != "interviewer" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("secret", time.Hour)
	other := NewVerifier("other", time.Hour)
	foreign, _ := other.Issue("u1", "Ada", "interviewer", "")

	expired := NewVerifier("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _ := expired.Issue("u1", "Ada", "interviewer", "")

	for name, token := range map[string]string{"empty": "", "garbage": "abc", "foreign": foreign, "expired": old} {
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify(%s) error = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestCandidateRoomScope(t *testing.T) {
	c := &Claims{Role: RoleCandidate, InterviewID: "i1"}
	if err := c.CanJoin("code-i1"); err != nil {
		t.Fatalf("CanJoin(code-i1) error = %v", err)
	}
	if err := c.CanJoin("code-i2"); !errors.Is(err, ErrRoomDenied) {
		t.Fatalf("CanJoin(code-i2) error = %v, want ErrRoomDenied", err)
	}
	if err := c.CanJoin("note-n1"); err != nil {
		t.Fatalf("CanJoin(note-n1) error = %v", err)
	}
	if err := (&Claims{Role: RoleCandidate}).CanJoin("code-i1"); !errors.Is(err, ErrRoomDenied) {
		t.Fatalf("unscoped candidate CanJoin() error = %v, want ErrRoomDenied", err)
	}

	interviewer := &Claims{Role: "interviewer"}
	if err := interviewer.CanJoin("note-n1"); err != nil {
		t.Fatalf("interviewer CanJoin() error = %v", err)
	}
}

func TestUnverifiedReadsOwnIdentity(t *testing.T) {
	token, _ := NewVerifier("someone-else", time.Hour).Issue("c1", "Cand", RoleCandidate, "i7")
	claims, err := Unverified(token)
	if err != nil {
		t.Fatalf("Unverified() error = %v", err)
	}
	if claims.UserID() != "c1" || claims.InterviewID != "i7" {
		t.Fatalf("claims = %+v", claims)
	}
	if _, err := Unverified("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Unverified(garbage) error = %v", err)
	}
}
