package main

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/agentloom/internal/breaker"
	"github.com/rendis/agentloom/internal/contextstore"
	"github.com/rendis/agentloom/internal/engine"
	"github.com/rendis/agentloom/internal/protocol"
	"github.com/rendis/agentloom/pkg/schema"
)

// workflowFile is the YAML document accepted by `agentloom run`.
type workflowFile struct {
	Name        string     `yaml:"name"`
	SessionID   string     `yaml:"session_id"`
	Concurrency int        `yaml:"concurrency"`
	Schedule    string     `yaml:"schedule"`
	Nodes       []nodeSpec `yaml:"nodes"`
}

// stepSpec is one worker call.
type stepSpec struct {
	Op      string         `yaml:"op"`
	Args    map[string]any `yaml:"args"`
	Timeout time.Duration  `yaml:"timeout"`
	Pack    *packSpec      `yaml:"pack"`
}

// defaultPackArg is the arg that receives a packed context.
const defaultPackArg = "context"

// packSpec packs stored results and files into one arg of the call.
type packSpec struct {
	Keys        []string `yaml:"keys"`
	Attachments []string `yaml:"attachments"`
	As          string   `yaml:"as"`
}

func (p *packSpec) arg() string {
	if p.As == "" {
		return defaultPackArg
	}
	return p.As
}

type nodeSpec struct {
	ID        string              `yaml:"id"`
	Step      stepSpec            `yaml:",inline"`
	DependsOn []string            `yaml:"depends_on"`
	Retry     *engine.RetryPolicy `yaml:"retry"`
	Rollback  *stepSpec           `yaml:"rollback"`
	StoreAs   string              `yaml:"store_as"`
}

// sender is the part of the protocol client that node bodies use.
type sender interface {
	Send(ctx context.Context, req protocol.Request) (*protocol.Response, error)
}

// breakerSender refuses ops whose circuit is open and records every outcome.
type breakerSender struct {
	next     sender
	breakers *breaker.Set
}

func (b *breakerSender) Send(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	if err := b.breakers.Allow(req.Op); err != nil {
		return nil, err
	}
	resp, err := b.next.Send(ctx, req)
	b.breakers.Record(req.Op, err)
	return resp, err
}

// authorizer vets an op before it is sent. A nil authorizer allows all.
type authorizer func(op string) error

// nodeDeps is what node bodies need from the app.
type nodeDeps struct {
	send      sender
	authorize authorizer
	// readFile loads pack attachments. Nil means os.ReadFile.
	readFile func(path string) ([]byte, error)
}

func loadWorkflow(path string) (*workflowFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return parseWorkflow(data)
}

func parseWorkflow(data []byte) (*workflowFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var wf workflowFile
	if err := dec.Decode(&wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workflow: %v", err).WithCause(err)
	}
	if err := wf.validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// validate checks the fields the engine does not know about, then the graph
// itself so a broken file fails before the worker is started.
func (wf *workflowFile) validate() error {
	if len(wf.Nodes) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}
	for _, n := range wf.Nodes {
		if n.Step.Op == "" {
			return schema.NewError(schema.ErrCodeValidation, "op is required").WithNode(n.ID)
		}
		if n.Rollback != nil && n.Rollback.Op == "" {
			return schema.NewError(schema.ErrCodeValidation, "rollback op is required").WithNode(n.ID)
		}
		if err := n.Step.validatePack(); err != nil {
			return err.WithNode(n.ID)
		}
		if n.Rollback != nil {
			if err := n.Rollback.validatePack(); err != nil {
				return err.WithNode(n.ID)
			}
		}
	}
	_, err := engine.BuildPlan(buildNodes(wf, nodeDeps{}))
	return err
}

func (s stepSpec) validatePack() *schema.AgentError {
	if s.Pack == nil {
		return nil
	}
	if _, taken := s.Args[s.Pack.arg()]; taken {
		return schema.NewErrorf(schema.ErrCodeValidation, "pack arg %q is already set in args", s.Pack.arg())
	}
	for _, path := range s.Pack.Attachments {
		if path == "" {
			return schema.NewError(schema.ErrCodeValidation, "pack attachment path must not be empty")
		}
	}
	return nil
}

// buildNodes turns the file into engine nodes whose bodies call the worker.
// A node with store_as saves its result in the session namespace, where
// later nodes can reference it as "${name}" in their args or pack it.
func buildNodes(wf *workflowFile, deps nodeDeps) []engine.Node {
	nodes := make([]engine.Node, 0, len(wf.Nodes))
	for _, spec := range wf.Nodes {
		node := engine.Node{
			ID:        spec.ID,
			DependsOn: spec.DependsOn,
			Retry:     spec.Retry,
		}
		node.Run = func(ctx context.Context, ec *engine.ExecutionContext) (any, error) {
			result, err := deps.call(ctx, ec, spec.Step)
			if err != nil {
				return nil, err
			}
			if spec.StoreAs != "" && ec.Store != nil {
				if err := ec.Store.Set(ctx, ec.SessionID, spec.StoreAs, result); err != nil {
					return nil, err
				}
			}
			return result, nil
		}
		if spec.Rollback != nil {
			rollback := *spec.Rollback
			node.Rollback = func(ctx context.Context, ec *engine.ExecutionContext) (any, error) {
				return deps.call(ctx, ec, rollback)
			}
		}
		nodes = append(nodes, node)
	}
	return nodes
}

func (d nodeDeps) call(ctx context.Context, ec *engine.ExecutionContext, step stepSpec) (any, error) {
	if d.authorize != nil {
		if err := d.authorize(step.Op); err != nil {
			return nil, err
		}
	}
	args, err := resolveArgs(ctx, ec, step.Args)
	if err != nil {
		return nil, err
	}
	if step.Pack != nil {
		pkg, err := d.pack(ctx, ec, step.Pack)
		if err != nil {
			return nil, err
		}
		withPack := make(map[string]any, len(args)+1)
		maps.Copy(withPack, args)
		withPack[step.Pack.arg()] = pkg
		args = withPack
	}
	resp, err := d.send.Send(ctx, protocol.Request{Op: step.Op, Args: args, Timeout: step.Timeout})
	if err != nil {
		return nil, err
	}
	return protocol.Decode[any](resp)
}

// pack collects the session's stored results and the listed files.
func (d nodeDeps) pack(ctx context.Context, ec *engine.ExecutionContext, p *packSpec) (*contextstore.Package, error) {
	if ec == nil || ec.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pack needs a context store")
	}
	readFile := d.readFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	attachments := make([]contextstore.Attachment, 0, len(p.Attachments))
	for _, path := range p.Attachments {
		data, err := readFile(path)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodePermissionDenied) {
				return nil, err
			}
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pack attachment %s: %v", path, err).WithCause(err)
		}
		attachments = append(attachments, contextstore.Attachment{Path: path, Content: string(data)})
	}
	return contextstore.Pack(ctx, ec.Store, contextstore.PackOptions{
		Namespace:   ec.SessionID,
		Keys:        p.Keys,
		SessionID:   ec.SessionID,
		Attachments: attachments,
	})
}

// resolveArgs replaces string values of the form "${name}" with the value
// stored under name in the session namespace.
func resolveArgs(ctx context.Context, ec *engine.ExecutionContext, args map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return args, nil
	}
	out, err := resolveValue(ctx, ec, args)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func resolveValue(ctx context.Context, ec *engine.ExecutionContext, v any) (any, error) {
	switch val := v.(type) {
	case string:
		name, ok := reference(val)
		if !ok {
			return val, nil
		}
		if ec == nil || ec.Store == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "reference %q needs a context store", val)
		}
		stored, found, err := ec.Store.Get(ctx, ec.SessionID, name)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "reference %q: nothing stored under %q", val, name)
		}
		return stored, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := resolveValue(ctx, ec, item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveValue(ctx, ec, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func reference(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	name := strings.TrimSpace(s[2 : len(s)-1])
	return name, name != ""
}
