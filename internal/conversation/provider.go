/**
 * @description
 * The conversation state table and the StateProvider that resolves a stack tag to a
 * State. Static states come from the embedded states.yaml; "my_stokvels" is built
 * per request from the user's memberships; input sub-states are derived from the
 * action that requested them.
 *
 * @dependencies
 * - gopkg.in/yaml.v3: Parses the embedded state table.
 */
package conversation

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stokvel/stokvel-service/internal/domain"
)

//go:embed states.yaml
var defaultStates []byte

const (
	TagUnregistered    = "unregistered_number"
	TagRegistered      = "registered_number"
	TagRegisteredAdmin = "registered_number_admin"
	TagMyStokvels      = "my_stokvels"
	TagActionsUser     = "stokvel_actions_user"
	TagActionsAdmin    = "stokvel_actions_admin"

	inputTagSeparator = ":input:"
	portalPlaceholder = "{portal}"
)

// ErrUnknownState is returned for tags that neither the table nor a factory knows.
var ErrUnknownState = errors.New("unknown conversation state")

// InputType is the type of value an input sub-state collects.
type InputType string

const (
	InputString InputType = "string"
	InputInt    InputType = "int"
	InputFloat  InputType = "float"
)

// InputSpec describes a value collected before a service is invoked.
type InputSpec struct {
	Type           InputType `yaml:"type"`
	Message        string    `yaml:"message"`
	InvalidMessage string    `yaml:"invalid_message"`
	Min            *float64  `yaml:"min"`
	Max            *float64  `yaml:"max"`
}

// Action is one valid reply in a state. Exactly one of Response, Transition, Back and
// Service is set.
type Action struct {
	Response   string     `yaml:"response"`
	Transition string     `yaml:"transition"`
	Back       bool       `yaml:"back"`
	Service    string     `yaml:"service"`
	Input      *InputSpec `yaml:"input"`

	// StokvelID is set on dynamic actions that select a stokvel before transitioning.
	StokvelID string `yaml:"-"`
}

// State is a node of the conversation. Input sub-states carry Input and Service and
// have no actions.
type State struct {
	Tag     string            `yaml:"tag"`
	Message string            `yaml:"message"`
	Public  bool              `yaml:"public"`
	Actions map[string]Action `yaml:"actions"`

	Input   *InputSpec `yaml:"-"`
	Service string     `yaml:"-"`
}

// Messages are the engine's fixed replies.
type Messages struct {
	Unrecognized string `yaml:"unrecognized"`
	NoState      string `yaml:"no_state"`
	Error        string `yaml:"error"`
}

// Table is the parsed state table.
type Table struct {
	Greetings []string `yaml:"greetings"`
	Messages  Messages `yaml:"messages"`
	States    []State  `yaml:"states"`

	byTag map[string]*State
}

// DefaultTable loads the embedded state table with portal links rooted at portalBaseURL.
func DefaultTable(portalBaseURL string) (*Table, error) {
	return LoadTable(defaultStates, portalBaseURL)
}

// LoadTable parses and validates a state table.
func LoadTable(data []byte, portalBaseURL string) (*Table, error) {
	expanded := strings.ReplaceAll(string(data), portalPlaceholder, strings.TrimSuffix(portalBaseURL, "/"))

	var t Table
	if err := yaml.Unmarshal([]byte(expanded), &t); err != nil {
		return nil, fmt.Errorf("failed to parse state table: %w", err)
	}
	for i := range t.Greetings {
		t.Greetings[i] = strings.ToLower(strings.TrimSpace(t.Greetings[i]))
	}

	t.byTag = make(map[string]*State, len(t.States))
	for i := range t.States {
		st := &t.States[i]
		if st.Tag == "" {
			return nil, fmt.Errorf("state %d has no tag", i)
		}
		if strings.Contains(st.Tag, inputTagSeparator) {
			return nil, fmt.Errorf("state tag %q uses the reserved input separator", st.Tag)
		}
		if _, dup := t.byTag[st.Tag]; dup {
			return nil, fmt.Errorf("duplicate state tag %q", st.Tag)
		}
		t.byTag[st.Tag] = st
	}
	for _, st := range t.States {
		for key, action := range st.Actions {
			if err := t.validateAction(action); err != nil {
				return nil, fmt.Errorf("state %q action %q: %w", st.Tag, key, err)
			}
		}
	}
	for _, tag := range []string{TagUnregistered, TagRegistered, TagRegisteredAdmin, TagActionsUser, TagActionsAdmin} {
		if _, ok := t.byTag[tag]; !ok {
			return nil, fmt.Errorf("state table is missing %q", tag)
		}
	}
	return &t, nil
}

func (t *Table) validateAction(a Action) error {
	kinds := 0
	if a.Response != "" {
		kinds++
	}
	if a.Transition != "" {
		kinds++
		if _, ok := t.byTag[a.Transition]; !ok && a.Transition != TagMyStokvels {
			return fmt.Errorf("transition to unknown state %q", a.Transition)
		}
	}
	if a.Back {
		kinds++
	}
	if a.Service != "" {
		kinds++
	}
	if kinds != 1 {
		return errors.New("exactly one of response, transition, back or service is required")
	}
	if a.Input != nil {
		if a.Service == "" {
			return errors.New("input requires a service")
		}
		switch a.Input.Type {
		case InputString, InputInt, InputFloat:
		default:
			return fmt.Errorf("unsupported input type %q", a.Input.Type)
		}
	}
	return nil
}

// IsGreeting reports whether text resets the conversation.
func (t *Table) IsGreeting(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	for _, g := range t.Greetings {
		if g == text {
			return true
		}
	}
	return false
}

// Lookup returns a static state.
func (t *Table) Lookup(tag string) (*State, bool) {
	st, ok := t.byTag[tag]
	return st, ok
}

func inputTag(parent, action string) string {
	return parent + inputTagSeparator + action
}

func splitInputTag(tag string) (parent, action string, ok bool) {
	return strings.Cut(tag, inputTagSeparator)
}

// StateProvider resolves a stack tag for a phone number.
type StateProvider interface {
	State(ctx context.Context, phone, tag string) (*State, error)
}

// DynamicState builds a state from live data at transition time.
type DynamicState func(ctx context.Context, phone string) (*State, error)

// MembershipLister lists the stokvels of a user.
type MembershipLister interface {
	Memberships(ctx context.Context, phone string) ([]domain.Membership, error)
}

// Provider is the StateProvider backed by a Table plus dynamic factories.
type Provider struct {
	table   *Table
	dynamic map[string]DynamicState
}

// NewProvider creates a provider over table with the "my stokvels" factory registered.
func NewProvider(table *Table, memberships MembershipLister) *Provider {
	p := &Provider{table: table, dynamic: make(map[string]DynamicState)}
	p.Register(TagMyStokvels, myStokvelsState(memberships))
	return p
}

// Register adds a dynamic state factory.
func (p *Provider) Register(tag string, factory DynamicState) {
	p.dynamic[tag] = factory
}

func (p *Provider) State(ctx context.Context, phone, tag string) (*State, error) {
	if parent, action, ok := splitInputTag(tag); ok {
		return p.inputState(tag, parent, action)
	}
	if factory, ok := p.dynamic[tag]; ok {
		return factory(ctx, phone)
	}
	if st, ok := p.table.Lookup(tag); ok {
		return st, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownState, tag)
}

func (p *Provider) inputState(tag, parent, action string) (*State, error) {
	st, ok := p.table.Lookup(parent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownState, tag)
	}
	a, ok := st.Actions[action]
	if !ok || a.Input == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownState, tag)
	}
	return &State{
		Tag:     tag,
		Message: a.Input.Message,
		Public:  st.Public,
		Input:   a.Input,
		Service: a.Service,
	}, nil
}

func myStokvelsState(memberships MembershipLister) DynamicState {
	return func(ctx context.Context, phone string) (*State, error) {
		list, err := memberships.Memberships(ctx, phone)
		if err != nil {
			return nil, err
		}
		current := list[:0:0]
		for _, m := range list {
			if m.Status != domain.MemberLeft {
				current = append(current, m)
			}
		}
		sort.SliceStable(current, func(i, j int) bool { return current[i].StokvelName < current[j].StokvelName })

		st := &State{Tag: TagMyStokvels, Actions: make(map[string]Action, len(current)+1)}
		var b strings.Builder
		if len(current) == 0 {
			b.WriteString("You are not a member of any stokvels yet. Please join or create a stokvel.")
		} else {
			b.WriteString("Please choose one of your stokvels:")
		}
		for i, m := range current {
			key := strconv.Itoa(i + 1)
			target := TagActionsUser
			if m.IsAdmin {
				target = TagActionsAdmin
			}
			st.Actions[key] = Action{Transition: target, StokvelID: m.StokvelID}
			fmt.Fprintf(&b, "\n%s. %s", key, m.StokvelName)
		}
		backKey := strconv.Itoa(len(current) + 1)
		st.Actions[backKey] = Action{Back: true}
		fmt.Fprintf(&b, "\n%s. Back", backKey)
		st.Message = b.String()
		return st, nil
	}
}
