// Package workflow содержит статические машины состояний для заказов, возвратов и отправлений.
//
// Таблицы переходов компилируются в бинарь: изменение бизнес-правил требует деплоя,
// а не записи в базу. Полнота таблиц проверяется при старте через Validate.
package workflow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
)

// Rule описывает одно состояние домена.
type Rule[S ~string] struct {
	// Next: допустимые следующие состояния в порядке показа пользователю.
	Next []S
	// SLAHours: бюджет времени на состояние; 0 означает отсутствие дедлайна.
	SLAHours int
	// DisplayName: подпись для интерфейсов и таймлайна.
	DisplayName string
}

// Table: типизированная таблица переходов одного домена.
type Table[S ~string] struct {
	Domain  domain.Domain
	Initial S
	// States фиксирует порядок состояний; каждое должно иметь правило.
	States []S
	Rules  map[S]Rule[S]
}

// Definition: таблица домена после стирания типа состояний.
type Definition struct {
	domain  domain.Domain
	initial domain.State
	states  []domain.State
	rules   map[domain.State]rule
}

type rule struct {
	next        []domain.State
	nextSet     map[domain.State]struct{}
	slaHours    int
	displayName string
}

// Compile проверяет типизированную таблицу и превращает её в Definition.
func Compile[S ~string](t Table[S]) (*Definition, error) {
	var errs []error

	if !t.Domain.Valid() {
		errs = append(errs, fmt.Errorf("%w: %q", domain.ErrUnknownDomain, t.Domain))
	}
	if len(t.States) == 0 {
		errs = append(errs, fmt.Errorf("domain %s: no states declared", t.Domain))
	}

	def := &Definition{
		domain:  t.Domain,
		initial: domain.State(t.Initial),
		states:  make([]domain.State, 0, len(t.States)),
		rules:   make(map[domain.State]rule, len(t.Rules)),
	}

	declared := make(map[S]struct{}, len(t.States))
	for _, s := range t.States {
		if _, dup := declared[s]; dup {
			errs = append(errs, fmt.Errorf("domain %s: state %q declared twice", t.Domain, s))
			continue
		}
		declared[s] = struct{}{}
		def.states = append(def.states, domain.State(s))
	}

	if _, ok := t.Rules[t.Initial]; !ok {
		errs = append(errs, fmt.Errorf("domain %s: initial state %q has no entry", t.Domain, t.Initial))
	}

	for _, s := range t.States {
		r, ok := t.Rules[s]
		if !ok {
			errs = append(errs, fmt.Errorf("domain %s: state %q has no entry", t.Domain, s))
			continue
		}
		compiled, ruleErrs := compileRule(t, s, r)
		errs = append(errs, ruleErrs...)
		def.rules[domain.State(s)] = compiled
	}

	for s := range t.Rules {
		if _, ok := declared[s]; !ok {
			errs = append(errs, fmt.Errorf("domain %s: entry %q is not listed in states", t.Domain, s))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, errors.Join(errs...))
	}
	return def, nil
}

func compileRule[S ~string](t Table[S], s S, r Rule[S]) (rule, []error) {
	var errs []error
	compiled := rule{
		next:        make([]domain.State, 0, len(r.Next)),
		nextSet:     make(map[domain.State]struct{}, len(r.Next)),
		slaHours:    r.SLAHours,
		displayName: r.DisplayName,
	}

	if r.SLAHours < 0 {
		errs = append(errs, fmt.Errorf("domain %s: state %q has negative sla hours", t.Domain, s))
	}
	if r.DisplayName == "" {
		errs = append(errs, fmt.Errorf("domain %s: state %q has no display name", t.Domain, s))
	}
	if len(r.Next) == 0 && r.SLAHours != 0 {
		errs = append(errs, fmt.Errorf("domain %s: terminal state %q must not carry an sla", t.Domain, s))
	}

	for _, next := range r.Next {
		if _, ok := t.Rules[next]; !ok {
			errs = append(errs, fmt.Errorf("domain %s: state %q leads to %q which has no entry", t.Domain, s, next))
		}
		if _, dup := compiled.nextSet[domain.State(next)]; dup {
			errs = append(errs, fmt.Errorf("domain %s: state %q lists %q twice", t.Domain, s, next))
			continue
		}
		compiled.nextSet[domain.State(next)] = struct{}{}
		compiled.next = append(compiled.next, domain.State(next))
	}

	return compiled, errs
}

// Domain возвращает домен определения.
func (d *Definition) Domain() domain.Domain { return d.domain }

// Initial возвращает начальное состояние.
func (d *Definition) Initial() domain.State { return d.initial }

// States возвращает состояния в объявленном порядке.
func (d *Definition) States() []domain.State {
	return append([]domain.State(nil), d.states...)
}

// Knows сообщает, описано ли состояние.
func (d *Definition) Knows(state domain.State) bool {
	_, ok := d.rules[state]
	return ok
}

// Allowed возвращает допустимые следующие состояния в объявленном порядке.
func (d *Definition) Allowed(from domain.State) []domain.State {
	r, ok := d.rules[from]
	if !ok {
		return nil
	}
	return append([]domain.State(nil), r.next...)
}

// CanTransition проверяет допустимость перехода. Петля разрешена, только если она перечислена явно.
func (d *Definition) CanTransition(from, to domain.State) bool {
	r, ok := d.rules[from]
	if !ok {
		return false
	}
	_, ok = r.nextSet[to]
	return ok
}

// SLAHours возвращает бюджет состояния в часах.
func (d *Definition) SLAHours(state domain.State) int {
	return d.rules[state].slaHours
}

// DisplayName возвращает подпись состояния или само значение, если оно неизвестно.
func (d *Definition) DisplayName(state domain.State) string {
	if r, ok := d.rules[state]; ok {
		return r.displayName
	}
	return string(state)
}

// IsTerminal сообщает, что из состояния нет переходов.
func (d *Definition) IsTerminal(state domain.State) bool {
	r, ok := d.rules[state]
	return ok && len(r.next) == 0
}

// Registry объединяет определения всех доменов.
type Registry struct {
	defs map[domain.Domain]*Definition
}

// NewRegistry собирает реестр и проверяет, что каждый домен описан ровно один раз.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	reg := &Registry{defs: make(map[domain.Domain]*Definition, len(defs))}
	for _, def := range defs {
		if def == nil {
			return nil, fmt.Errorf("%w: nil definition", domain.ErrConfiguration)
		}
		if _, dup := reg.defs[def.domain]; dup {
			return nil, fmt.Errorf("%w: domain %s defined twice", domain.ErrConfiguration, def.domain)
		}
		reg.defs[def.domain] = def
	}
	return reg, nil
}

// Validate проверяет, что каждый поддерживаемый домен имеет определение.
func (r *Registry) Validate() error {
	var missing []string
	for _, d := range domain.Domains() {
		if _, ok := r.defs[d]; !ok {
			missing = append(missing, string(d))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: no definition for domains %v", domain.ErrConfiguration, missing)
	}
	return nil
}

// Definition возвращает определение домена.
func (r *Registry) Definition(d domain.Domain) (*Definition, error) {
	def, ok := r.defs[d]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownDomain, d)
	}
	return def, nil
}

// AllowedTransitions возвращает допустимые переходы из состояния.
func (r *Registry) AllowedTransitions(d domain.Domain, from domain.State) ([]domain.State, error) {
	def, err := r.Definition(d)
	if err != nil {
		return nil, err
	}
	if !def.Knows(from) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrUnknownState, d, from)
	}
	return def.Allowed(from), nil
}

// SLAHours возвращает бюджет состояния в часах.
func (r *Registry) SLAHours(d domain.Domain, state domain.State) (int, error) {
	def, err := r.Definition(d)
	if err != nil {
		return 0, err
	}
	if !def.Knows(state) {
		return 0, fmt.Errorf("%w: %s/%s", domain.ErrUnknownState, d, state)
	}
	return def.SLAHours(state), nil
}

// DisplayName возвращает подпись состояния домена.
func (r *Registry) DisplayName(d domain.Domain, state domain.State) string {
	def, ok := r.defs[d]
	if !ok {
		return string(state)
	}
	return def.DisplayName(state)
}

// InitialState возвращает начальное состояние домена.
func (r *Registry) InitialState(d domain.Domain) (domain.State, error) {
	def, err := r.Definition(d)
	if err != nil {
		return "", err
	}
	return def.Initial(), nil
}

// Knows сообщает, описано ли состояние в домене.
func (r *Registry) Knows(d domain.Domain, state domain.State) bool {
	def, ok := r.defs[d]
	return ok && def.Knows(state)
}

// IsTerminal сообщает, что состояние домена не имеет исходящих переходов.
func (r *Registry) IsTerminal(d domain.Domain, state domain.State) bool {
	def, ok := r.defs[d]
	return ok && def.IsTerminal(state)
}
