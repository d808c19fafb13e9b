package acpconn

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeRPCErr struct {
	code int
	msg  string
}

func (e *fakeRPCErr) Error() string { return e.msg }
func (e *fakeRPCErr) Code() int     { return e.code }

func TestExtractACPCode_FromCoderInterface(t *testing.T) {
	code, msg, ok := extractACPCode(&fakeRPCErr{code: -32002, msg: "resource not found"})
	assert.True(t, ok)
	assert.Equal(t, -32002, code)
	assert.Equal(t, "resource not found", msg)
}

func TestExtractACPCode_FromWrappedCoderInterface(t *testing.T) {
	err := fmt.Errorf("prompt failed: %w", &fakeRPCErr{code: -32001, msg: "pending"})
	code, _, ok := extractACPCode(err)
	assert.True(t, ok)
	assert.Equal(t, -32001, code)
}

func TestExtractACPCode_FromMessageText(t *testing.T) {
	code, _, ok := extractACPCode(errors.New("JSON-RPC error -32603: internal error"))
	assert.True(t, ok)
	assert.Equal(t, -32603, code)
}

func TestExtractACPCode_NoCodeFound(t *testing.T) {
	_, _, ok := extractACPCode(errors.New("connection refused"))
	assert.False(t, ok)
}

func TestExtractACPCode_NilError(t *testing.T) {
	_, _, ok := extractACPCode(nil)
	assert.False(t, ok)
}
