package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(s Session) []Message {
	var out []Message
	for m := range s.Messages() {
		out = append(out, m)
	}
	return out
}

func TestStubDefaultScript(t *testing.T) {
	rt := NewStub(0)
	sess, err := rt.Start(context.Background(), StartRequest{Prompt: "go", TeamSize: 2})
	require.NoError(t, err)

	msgs := drain(sess)
	require.NoError(t, sess.Wait())
	require.NotEmpty(t, msgs)
	assert.Equal(t, MessageSystem, msgs[0].Type)
	assert.NotEmpty(t, msgs[0].SessionID)
	assert.Equal(t, MessageResult, msgs[len(msgs)-1].Type)
	assert.Len(t, rt.Requests(), 1)
}

func TestStubResumeKeepsSessionID(t *testing.T) {
	rt := NewStub(0)
	sess, err := rt.Start(context.Background(), StartRequest{ResumeSessionID: "runner-7"})
	require.NoError(t, err)
	msgs := drain(sess)
	assert.Equal(t, "runner-7", msgs[0].SessionID)
}

func TestStubStop(t *testing.T) {
	rt := NewStub(50 * time.Millisecond)
	sess, err := rt.Start(context.Background(), StartRequest{})
	require.NoError(t, err)

	sess.Stop()
	sess.Stop()
	drain(sess)
	assert.ErrorIs(t, sess.Wait(), ErrAborted)
}

func TestStubScriptError(t *testing.T) {
	rt := &Stub{Script: func(StartRequest) ([]Message, error) {
		return []Message{{Type: MessageAssistant, Text: "hi"}}, &TerminationError{ExitCode: ExitSIGTERM}
	}}
	sess, err := rt.Start(context.Background(), StartRequest{})
	require.NoError(t, err)
	assert.Len(t, drain(sess), 1)
	assert.True(t, IsGracefulTermination(sess.Wait()))
}

func TestIsGracefulTermination(t *testing.T) {
	assert.True(t, IsGracefulTermination(&TerminationError{ExitCode: ExitSIGINT}))
	assert.True(t, IsGracefulTermination(fmt.Errorf("wrapped: %w", &TerminationError{ExitCode: ExitSIGTERM})))
	assert.False(t, IsGracefulTermination(&TerminationError{ExitCode: 1}))
	assert.False(t, IsGracefulTermination(errors.New("boom")))
	assert.False(t, IsGracefulTermination(nil))
}
