package verification

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	authfront "github.com/chimerakang/authfront-go"
)

// StateKey is the store key the tracker snapshot is saved under.
const StateKey = "authfront.verification"

const snapshotVersion = 1

var errCorruptSnapshot = errors.New("corrupt verification snapshot")

// snapshot is the persisted form of authfront.VerificationState. All fields are
// written together so a reload never observes a partially updated flow.
type snapshot struct {
	Version            int                `json:"version"`
	FlowType           authfront.FlowType `json:"flowType"`
	Email              string             `json:"email,omitempty"`
	VerificationToken  string             `json:"verificationToken,omitempty"`
	PasswordResetToken string             `json:"passwordResetToken,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
}

func encodeState(s authfront.VerificationState) ([]byte, error) {
	return json.Marshal(snapshot{
		Version:            snapshotVersion,
		FlowType:           s.Flow,
		Email:              s.Email,
		VerificationToken:  s.VerificationToken,
		PasswordResetToken: s.PasswordResetToken,
		CreatedAt:          s.CreatedAt.UTC(),
	})
}

// decodeState parses a snapshot and checks the state invariants. Any snapshot
// that fails them is rejected as a whole.
func decodeState(data []byte) (authfront.VerificationState, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return authfront.VerificationState{}, fmt.Errorf("%w: %w", errCorruptSnapshot, err)
	}
	if snap.Version != snapshotVersion {
		return authfront.VerificationState{}, fmt.Errorf("%w: unsupported version %d", errCorruptSnapshot, snap.Version)
	}
	if !snap.FlowType.Valid() {
		return authfront.VerificationState{}, fmt.Errorf("%w: unknown flow %q", errCorruptSnapshot, snap.FlowType)
	}
	if snap.CreatedAt.IsZero() {
		return authfront.VerificationState{}, fmt.Errorf("%w: missing createdAt", errCorruptSnapshot)
	}
	if snap.PasswordResetToken != "" && snap.FlowType != authfront.FlowForgotPassword {
		return authfront.VerificationState{}, fmt.Errorf("%w: reset token outside forgot-password flow", errCorruptSnapshot)
	}
	if snap.PasswordResetToken == "" && snap.VerificationToken == "" {
		return authfront.VerificationState{}, fmt.Errorf("%w: no token", errCorruptSnapshot)
	}
	return authfront.VerificationState{
		Flow:               snap.FlowType,
		Email:              snap.Email,
		VerificationToken:  snap.VerificationToken,
		PasswordResetToken: snap.PasswordResetToken,
		CreatedAt:          snap.CreatedAt,
	}, nil
}
