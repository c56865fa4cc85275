package resource

import (
	"context"
	"encoding/binary"
	"errors"
	"regexp"
	"strconv"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/spirv"
	"github.com/gogpu/naga/wgsl"
)

// CompiledShader is the output of a Compiler.
type CompiledShader struct {
	// WGSL is the source the module was compiled from.
	WGSL string
	// SPIRV is the compiled module as 32-bit words.
	SPIRV []uint32
	// Diagnostics holds non-fatal compiler messages.
	Diagnostics []Diagnostic
}

// Compiler turns WGSL source into a shader module.
//
// Compile must return a *ShaderCompilationError when the source has
// error-severity diagnostics. Warnings go into CompiledShader.Diagnostics.
type Compiler interface {
	Compile(ctx context.Context, source, label string) (*CompiledShader, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(ctx context.Context, source, label string) (*CompiledShader, error)

// Compile implements Compiler.
func (f CompilerFunc) Compile(ctx context.Context, source, label string) (*CompiledShader, error) {
	return f(ctx, source, label)
}

// NagaCompiler compiles WGSL with the pure Go naga toolchain:
// parse, lower (collecting warnings), validate and emit SPIR-V.
type NagaCompiler struct {
	// Debug includes debug names in the generated SPIR-V.
	Debug bool
}

// Compile implements Compiler.
func (c NagaCompiler) Compile(ctx context.Context, source, label string) (*CompiledShader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ast, err := naga.Parse(source)
	if err != nil {
		return nil, compileError(label, err)
	}

	lowered, err := wgsl.LowerWithWarnings(ast, source)
	if err != nil {
		return nil, compileError(label, err)
	}
	var diags []Diagnostic
	for _, w := range lowered.Warnings {
		diags = append(diags, Diagnostic{
			Severity: SeverityWarning,
			Line:     w.Span.Start.Line,
			Column:   w.Span.Start.Column,
			Message:  w.Message,
		})
	}

	verrs, err := naga.Validate(lowered.Module)
	if err != nil {
		return nil, compileError(label, err)
	}
	if len(verrs) > 0 {
		out := &ShaderCompilationError{Label: label, Diagnostics: diags}
		for _, ve := range verrs {
			out.Diagnostics = append(out.Diagnostics, Diagnostic{Severity: SeverityError, Message: ve.Error()})
		}
		return nil, out
	}

	code, err := naga.GenerateSPIRV(lowered.Module, spirv.Options{Version: spirv.Version1_3, Debug: c.Debug})
	if err != nil {
		return nil, compileError(label, err)
	}
	return &CompiledShader{
		WGSL:        source,
		SPIRV:       spirvWords(code),
		Diagnostics: diags,
	}, nil
}

// naga reports locations as "line L, column C: msg" from the parser and
// "L:C: msg" from lowering.
var (
	parseLocation = regexp.MustCompile(`line (\d+), column (\d+): (.*)`)
	lowerLocation = regexp.MustCompile(`(?:^|: )(\d+):(\d+): (.*)`)
)

// compileError converts a naga error into a *ShaderCompilationError with a
// located diagnostic when the message carries a position.
func compileError(label string, err error) *ShaderCompilationError {
	d := Diagnostic{Severity: SeverityError, Message: err.Error()}
	msg := err.Error()
	if m := parseLocation.FindStringSubmatch(msg); m != nil {
		d.Line, _ = strconv.Atoi(m[1])
		d.Column, _ = strconv.Atoi(m[2])
		d.Message = m[3]
	} else if m := lowerLocation.FindStringSubmatch(msg); m != nil {
		d.Line, _ = strconv.Atoi(m[1])
		d.Column, _ = strconv.Atoi(m[2])
		d.Message = m[3]
	}

	out := &ShaderCompilationError{Label: label, Diagnostics: []Diagnostic{d}, Err: err}
	var multi interface{ FormatAll() string }
	var single interface{ FormatWithContext() string }
	switch {
	case errors.As(err, &multi):
		out.Context = multi.FormatAll()
	case errors.As(err, &single):
		out.Context = single.FormatWithContext()
	}
	return out
}

// spirvWords reinterprets little-endian SPIR-V bytes as words.
func spirvWords(code []byte) []uint32 {
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return words
}
