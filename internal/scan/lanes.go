// Package scan runs the two search lanes over classified files: the asset lane
// over decoded container objects and the DLL lane over ldstr literals.
package scan

import (
	"context"
	"fmt"

	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/cil"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/report"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/search"
	"github.com/snowyegret23/Unity-Asset-Text-Searcher/internal/unityfs"
)

// DefaultTextTypes are the object types whose payload is searched.
var DefaultTextTypes = []string{"TextAsset", "MonoBehaviour"}

// Outcome is the result class of one item.
type Outcome int

const (
	Matched Outcome = iota
	Unmatched
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Unmatched:
		return "unmatched"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ItemResult is the outcome of checking one object, method or literal.
// Reason is set for Skipped and Failed.
type ItemResult struct {
	Outcome Outcome
	Reason  string
}

func count(c *report.ItemCounts, r ItemResult) {
	switch r.Outcome {
	case Matched:
		c.Matched++
	case Unmatched:
		c.Unmatched++
	case Skipped:
		c.Skipped++
	case Failed:
		c.Failed++
	}
}

// FileResult is the outcome of scanning one file. Err is set when the file
// as a whole could not be read; Items still counts what was checked before.
type FileResult struct {
	Path  string
	Items report.ItemCounts
	Err   error
}

// Sink receives matches. *report.Recorder implements it.
type Sink interface {
	RecordObject(m report.ObjectMatch, via search.Comparison) error
	RecordCode(m report.CodeMatch) error
}

// Object is the part of a decoded container object the asset lane reads.
type Object interface {
	TypeName() string
	PathID() int64
	Container() string
	RawData() ([]byte, error)
	PeekName() string
}

// ContainerDecoder decodes a container file into its objects.
type ContainerDecoder interface {
	Decode(path string) ([]Object, error)
}

type unityContainers struct {
	d *unityfs.Decoder
}

// UnityContainers adapts a unityfs decoder to ContainerDecoder.
func UnityContainers(d *unityfs.Decoder) ContainerDecoder {
	return unityContainers{d: d}
}

func (u unityContainers) Decode(path string) ([]Object, error) {
	objs, err := u.d.Decode(path)
	if err != nil {
		return nil, err
	}
	out := make([]Object, len(objs))
	for i, o := range objs {
		out[i] = o
	}
	return out, nil
}

// ObjectLane searches the payloads of text-bearing objects.
type ObjectLane struct {
	decoder ContainerDecoder
	query   *search.Query
	sink    Sink
	types   map[string]bool
}

// NewObjectLane returns a lane searching DefaultTextTypes plus extraTypes.
func NewObjectLane(decoder ContainerDecoder, query *search.Query, sink Sink, extraTypes ...string) *ObjectLane {
	types := make(map[string]bool, len(DefaultTextTypes)+len(extraTypes))
	for _, t := range DefaultTextTypes {
		types[t] = true
	}
	for _, t := range extraTypes {
		types[t] = true
	}
	return &ObjectLane{decoder: decoder, query: query, sink: sink, types: types}
}

// Scan decodes path and checks every object.
func (l *ObjectLane) Scan(ctx context.Context, path string) FileResult {
	res := FileResult{Path: path}
	objs, err := l.decoder.Decode(path)
	if err != nil {
		res.Err = err
		return res
	}
	for _, obj := range objs {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		count(&res.Items, l.check(path, obj))
	}
	return res
}

func (l *ObjectLane) check(path string, obj Object) (res ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ItemResult{Outcome: Failed, Reason: fmt.Sprint(r)}
		}
	}()

	typeName := obj.TypeName()
	if !l.types[typeName] {
		return ItemResult{Outcome: Skipped, Reason: "not text-bearing"}
	}
	raw, err := obj.RawData()
	if err != nil {
		return ItemResult{Outcome: Failed, Reason: err.Error()}
	}
	via := l.query.MatchPayload(raw)
	if !via.Matched() {
		return ItemResult{Outcome: Unmatched}
	}
	name := obj.PeekName()
	if name == "" {
		name = "-"
	}
	m := report.ObjectMatch{
		SourceFile:  path,
		Container:   obj.Container(),
		PathID:      obj.PathID(),
		TypeName:    typeName,
		DisplayName: name,
	}
	if err := l.sink.RecordObject(m, via); err != nil {
		return ItemResult{Outcome: Failed, Reason: err.Error()}
	}
	return ItemResult{Outcome: Matched}
}

// Disassembler decodes a managed assembly. *cil.Disassembler implements it.
type Disassembler interface {
	Disassemble(path string) (*cil.Assembly, error)
}

// CodeLane searches the string literals loaded by method bodies.
type CodeLane struct {
	dis   Disassembler
	query *search.Query
	sink  Sink
}

// NewCodeLane returns a lane over dis. A nil dis yields a disabled lane.
func NewCodeLane(dis Disassembler, query *search.Query, sink Sink) *CodeLane {
	return &CodeLane{dis: dis, query: query, sink: sink}
}

// Enabled reports whether the lane has a disassembler.
func (l *CodeLane) Enabled() bool {
	return l != nil && l.dis != nil
}

// Scan disassembles path and checks every ldstr literal of every method,
// nested types included.
func (l *CodeLane) Scan(ctx context.Context, path string) FileResult {
	res := FileResult{Path: path}
	if !l.Enabled() {
		return res
	}
	asm, err := l.dis.Disassemble(path)
	if err != nil {
		res.Err = err
		return res
	}
	for _, t := range asm.Types {
		if err := l.scanType(ctx, path, t, "", &res.Items); err != nil {
			res.Err = err
			return res
		}
	}
	return res
}

func (l *CodeLane) scanType(ctx context.Context, path string, t *cil.TypeDef, outer string, items *report.ItemCounts) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	class := t.Name
	if outer != "" {
		class = outer + "/" + t.Name
	}
	for _, m := range t.Methods {
		switch {
		case !m.HasIL():
			count(items, ItemResult{Outcome: Skipped, Reason: "no body"})
		case m.BodyErr != nil:
			count(items, ItemResult{Outcome: Failed, Reason: m.BodyErr.Error()})
		case m.Body == nil:
			count(items, ItemResult{Outcome: Skipped, Reason: "no body"})
		default:
			for _, literal := range m.Body.Strings() {
				count(items, l.check(path, class, m.Name, literal))
			}
		}
	}
	for _, n := range t.Nested {
		if err := l.scanType(ctx, path, n, class, items); err != nil {
			return err
		}
	}
	return nil
}

func (l *CodeLane) check(path, class, method, literal string) ItemResult {
	text := search.Sanitize(literal)
	if !l.query.MatchLiteral(text) {
		return ItemResult{Outcome: Unmatched}
	}
	m := report.CodeMatch{SourceFile: path, Class: class, Method: method, Text: text}
	if err := l.sink.RecordCode(m); err != nil {
		return ItemResult{Outcome: Failed, Reason: err.Error()}
	}
	return ItemResult{Outcome: Matched}
}
