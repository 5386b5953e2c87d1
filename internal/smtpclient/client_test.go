package smtpclient

import (
	"errors"
	"fmt"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsStatusFromTextprotoError(t *testing.T) {
	err := fmt.Errorf("rcpt to b@y.com: %w", &textproto.Error{Code: 550, Msg: "mailbox unavailable"})

	se, ok := AsStatus(err)
	require.True(t, ok)
	assert.Equal(t, 550, se.Code)
	assert.Equal(t, "mailbox unavailable", se.Message)
	assert.True(t, se.Permanent())
}

func TestAsStatusFromStatusError(t *testing.T) {
	err := fmt.Errorf("send: %w", &StatusError{Code: 451, Message: "try again later"})

	se, ok := AsStatus(err)
	require.True(t, ok)
	assert.Equal(t, 451, se.Code)
	assert.False(t, se.Permanent())
}

func TestAsStatusNonTransportError(t *testing.T) {
	_, ok := AsStatus(errors.New("connection refused"))
	assert.False(t, ok)
}

func TestStatusErrorString(t *testing.T) {
	se := &StatusError{Code: 550, Message: "mailbox unavailable"}
	assert.Equal(t, "550 mailbox unavailable", se.Error())
}

func TestNewDefaultsHeloName(t *testing.T) {
	c := New("")
	assert.Equal(t, "mailflow.local", c.heloName)

	c = New("gateway.example.com")
	assert.Equal(t, "gateway.example.com", c.heloName)
}
