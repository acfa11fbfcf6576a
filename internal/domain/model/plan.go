package model

import (
	"fmt"
	"strings"
	"time"

	"telegram-vpn-subscription/internal/domain"
)

// Plan is a purchasable access package priced in Telegram Stars (XTR).
type Plan struct {
	ID        string
	Name      string
	Days      int
	TrafficGB int
	Devices   int
	PriceXTR  int64
}

func (p *Plan) IsZero() bool { return p == nil || p.ID == "" }

func (p *Plan) Duration() time.Duration { return time.Duration(p.Days) * 24 * time.Hour }

// NewPlan validates and constructs a plan. An empty id is derived from the other fields.
func NewPlan(id, name string, days, trafficGB, devices int, priceXTR int64) (*Plan, error) {
	if name == "" || days <= 0 || trafficGB < 0 || devices <= 0 || priceXTR <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	if id == "" {
		base := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
		id = fmt.Sprintf("%s-%dd-%dg-%ddvc", base, days, trafficGB, devices)
	}
	return &Plan{
		ID:        id,
		Name:      name,
		Days:      days,
		TrafficGB: trafficGB,
		Devices:   devices,
		PriceXTR:  priceXTR,
	}, nil
}

// Catalog is the read-only set of plans offered to users.
type Catalog struct {
	order []string
	byID  map[string]*Plan
}

func NewCatalog(plans ...*Plan) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]*Plan, len(plans))}
	for _, p := range plans {
		if p.IsZero() {
			return nil, domain.ErrInvalidArgument
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan %q: %w", p.ID, domain.ErrAlreadyExists)
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

func (c *Catalog) Get(id string) (*Plan, error) {
	p, ok := c.byID[id]
	if !ok {
		return nil, domain.ErrUnknownPlan
	}
	cp := *p
	return &cp, nil
}

func (c *Catalog) List() []*Plan {
	out := make([]*Plan, 0, len(c.order))
	for _, id := range c.order {
		cp := *c.byID[id]
		out = append(out, &cp)
	}
	return out
}
