// Package scripts prepares script sources before they are submitted to the
// engine.
package scripts

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"
)

// ViewportProbeScript writes the viewport size of the main frame as JSON
// into the document title.
//
//go:embed js/viewport_probe.js
var ViewportProbeScript string

// ErrInvalidFunctionName is returned by Call when fn is not a dotted
// JavaScript identifier path.
var ErrInvalidFunctionName = errors.New("invalid function name")

// SyntaxError reports a script that failed to compile.
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("compiling script: %v", e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Validate compiles code without running it.
func Validate(code string) error {
	if _, err := goja.Compile("script.js", code, false); err != nil {
		return &SyntaxError{Err: err}
	}
	return nil
}

var funcNameRe = regexp.MustCompile(`^[A-Za-z_$][\w$]*(\.[A-Za-z_$][\w$]*)*$`)

// Call returns a statement calling fn with JSON encoded args.
func Call(fn string, args ...any) (string, error) {
	if !funcNameRe.MatchString(fn) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFunctionName, fn)
	}

	encoded := make([]string, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("encoding argument %d of %s: %w", i, fn, err)
		}
		encoded = append(encoded, string(b))
	}

	return fmt.Sprintf("%s(%s);", fn, strings.Join(encoded, ", ")), nil
}

// LoadVideoByID returns the statement loading the video id in the embedded
// YouTube player.
func LoadVideoByID(id string) string {
	// A string argument always encodes and the name is constant.
	s, _ := Call("player.loadVideoById", id)
	return s
}
