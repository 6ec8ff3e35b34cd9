package auth

import (
	"testing"
	"time"

	"crashgame/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_IssueAndVerify(t *testing.T) {
	j := NewJWT("test-secret")
	token, err := j.Issue(Identity{ParticipantID: "alice", DisplayName: "Alice"}, time.Minute)
	require.NoError(t, err)

	id, err := j.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.ParticipantID)
	assert.Equal(t, "Alice", id.DisplayName)
}

func TestJWT_Rejects(t *testing.T) {
	j := NewJWT("test-secret")
	expired, err := j.Issue(Identity{ParticipantID: "bob"}, -time.Minute)
	require.NoError(t, err)
	foreign, err := NewJWT("other-secret").Issue(Identity{ParticipantID: "bob"}, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "expired", token: expired, want: ErrExpiredToken},
		{name: "wrong secret", token: foreign, want: ErrInvalidSignature},
		{name: "garbage", token: "not-a-jwt", want: ErrInvalidToken},
		{name: "empty", token: "", want: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := j.Verify(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestJWT_NameFallsBackToSubject(t *testing.T) {
	j := NewJWT("s")
	token, err := j.Issue(Identity{ParticipantID: "carol"}, time.Minute)
	require.NoError(t, err)
	id, err := j.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "carol", id.DisplayName)
}

func TestDev(t *testing.T) {
	id, err := Dev{}.Verify(" dave ")
	require.NoError(t, err)
	assert.Equal(t, "dave", id.ParticipantID)

	_, err = Dev{}.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = Dev{}.Verify("bot:123")
	assert.ErrorIs(t, err, ErrInvalidToken, "synthetic ids are reserved")
}

func TestNew(t *testing.T) {
	assert.IsType(t, Dev{}, New(config.AuthConfig{Mode: "dev"}))
	assert.IsType(t, &JWT{}, New(config.AuthConfig{Mode: "jwt", JWTSecret: "x"}))
}
