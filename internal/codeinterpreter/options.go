package codeinterpreter

import "time"

type runOptions struct {
	language  string
	contextID string
	envs      map[string]string
	timeout   time.Duration
	onStdout  func(string)
	onStderr  func(string)
	onResult  func(Result)
	onError   func(ExecutionError)
}

// RunOption configures RunCode.
type RunOption func(*runOptions)

// WithLanguage selects the kernel for the default context of a language.
func WithLanguage(lang string) RunOption {
	return func(o *runOptions) { o.language = lang }
}

// WithContext runs the code in an existing context.
func WithContext(c *Context) RunOption {
	return func(o *runOptions) {
		if c != nil {
			o.contextID = c.ID
		}
	}
}

// WithEnvs sets environment variables for this execution only.
func WithEnvs(envs map[string]string) RunOption {
	return func(o *runOptions) { o.envs = envs }
}

// WithTimeout bounds the execution. Zero disables the limit.
func WithTimeout(d time.Duration) RunOption {
	return func(o *runOptions) { o.timeout = d }
}

func WithOnStdout(fn func(string)) RunOption {
	return func(o *runOptions) { o.onStdout = fn }
}

func WithOnStderr(fn func(string)) RunOption {
	return func(o *runOptions) { o.onStderr = fn }
}

func WithOnResult(fn func(Result)) RunOption {
	return func(o *runOptions) { o.onResult = fn }
}

func WithOnError(fn func(ExecutionError)) RunOption {
	return func(o *runOptions) { o.onError = fn }
}
