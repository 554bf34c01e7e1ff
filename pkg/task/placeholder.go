// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package task

// Placeholder is a pre-completed leaf variant. Containers use it to keep a
// concise summary child after culling, and to finish immediately with a
// fixed value or error. It is a flyweight: parent assignment is a no-op so
// one placeholder may appear under several containers.
type Placeholder struct {
	title    string
	subtitle string
	future   *Future
}

var _ Task = (*Placeholder)(nil)

// NewPlaceholder returns a complete task carrying value.
func NewPlaceholder(title string, value interface{}) *Placeholder {
	return &Placeholder{title: title, future: ResolvedFuture(value, nil)}
}

// NewFailedPlaceholder returns a complete task carrying err.
func NewFailedPlaceholder(title string, err error) *Placeholder {
	return &Placeholder{title: title, future: ResolvedFuture(nil, err)}
}

func (p *Placeholder) Title() string        { return p.title }
func (p *Placeholder) Subtitle() string     { return p.subtitle }
func (p *Placeholder) SetSubtitle(s string) { p.subtitle = s }
func (p *Placeholder) Complete() bool       { return true }
func (p *Placeholder) Parent() Task         { return nil }
func (p *Placeholder) Children() []Task     { return nil }

// Future returns the fixed result.
func (p *Placeholder) Future() *Future { return p.future }

func (p *Placeholder) TryGetNextTaskUnit() Unit { return nil }

func (p *Placeholder) AddListener(Listener)    {}
func (p *Placeholder) RemoveListener(Listener) {}

func (p *Placeholder) CrashReason() error { return nil }
func (p *Placeholder) markCrashed(error)  {}

// setParent is a no-op; placeholders do not participate in parent tracking.
func (p *Placeholder) setParent(Task) {}
