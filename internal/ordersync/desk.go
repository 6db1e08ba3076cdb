package ordersync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/orderdesk/internal/orders"
)

// Events this client sends to the push feed.
const (
	EventRegister    = "register"
	EventCreateOrder = "create-order"
	EventEditOrder   = "edit-order"
	EventDeleteOrder = "delete-order"
	EventOrderUpdate = "order-update"
)

var ErrUnknownOrder = errors.New("order not held by this viewer")

// Mutator is the write side of the order service. Records it returns carry
// an id or an order number.
type Mutator interface {
	CreateOrder(ctx context.Context, input orders.NewOrder) (orders.Order, error)
	UpdateProgress(ctx context.Context, update orders.ProgressUpdate) (orders.Order, error)
	DeleteOrder(ctx context.Context, orderNumber string) error
}

// Emitter announces local changes to other clients.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Announcement is the payload of every emitted order event.
type Announcement struct {
	Order     orders.Order  `json:"order"`
	TeamType  string        `json:"teamType,omitempty"`
	TeamTypes []orders.Team `json:"teamTypes,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Desk runs the explicit user actions of one viewer: the local change is
// applied first, then the service is called and its answer reconciled, then
// other clients are told. Failures are returned to the caller; an optimistic
// step already applied stays until a later update replaces it.
type Desk struct {
	coord   *Coordinator
	api     Mutator
	emitter Emitter
	now     func() time.Time
	logger  Logger
}

type DeskOptions struct {
	Now    func() time.Time
	Logger Logger
}

func NewDesk(coord *Coordinator, api Mutator, emitter Emitter, opts DeskOptions) *Desk {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Desk{coord: coord, api: api, emitter: emitter, now: now, logger: opts.Logger}
}

// CreateOrder shows the order under its number right away and swaps in the
// server record once the service has stored it.
func (d *Desk) CreateOrder(ctx context.Context, input orders.NewOrder) (orders.Order, error) {
	if err := input.Validate(); err != nil {
		return orders.Order{}, err
	}
	local := input.Order(d.now())
	if err := d.coord.Dispatch(LocalCreate(local)); err != nil {
		return orders.Order{}, err
	}
	if d.api == nil {
		return local, nil
	}
	created, err := d.api.CreateOrder(ctx, input)
	if err != nil {
		return local, fmt.Errorf("create order %s: %w", local.OrderNumber, err)
	}
	if err := d.coord.Dispatch(LocalEdit(created)); err != nil {
		return created, err
	}
	return created, d.announce(ctx, EventCreateOrder, created, "")
}

// EditOrder applies an edited order locally and announces it.
func (d *Desk) EditOrder(ctx context.Context, order orders.Order) (orders.Order, error) {
	order.LastUpdated = d.now()
	if err := d.coord.Dispatch(LocalEdit(order)); err != nil {
		return order, err
	}
	return order, d.announce(ctx, EventEditOrder, order, "")
}

// DeleteOrder removes the order everywhere locally, announces the deletion
// and asks the service to delete it.
func (d *Desk) DeleteOrder(ctx context.Context, orderNumber string) error {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return fmt.Errorf("%w: empty order number", orders.ErrInvalidInput)
	}
	target, _, ok := d.coord.Find(orderNumber)
	if !ok {
		target = orders.Order{OrderNumber: orderNumber}
	}
	if err := d.coord.Dispatch(LocalDelete(target)); err != nil {
		return err
	}
	emitErr := d.announce(ctx, EventDeleteOrder, target, "")
	if d.api == nil {
		return emitErr
	}
	if err := d.api.DeleteOrder(ctx, orderNumber); err != nil {
		return errors.Join(fmt.Errorf("delete order %s: %w", orderNumber, err), emitErr)
	}
	return emitErr
}

// RecordProgress records completed quantities for the viewer's team. The
// update is validated against the held order before anything is sent.
func (d *Desk) RecordProgress(ctx context.Context, update orders.ProgressUpdate) (orders.Order, error) {
	if err := update.Validate(); err != nil {
		return orders.Order{}, err
	}
	held, _, ok := d.coord.Find(update.OrderNumber)
	if !ok {
		return orders.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, update.OrderNumber)
	}
	local, err := orders.ApplyProgress(held, update, d.now())
	if err != nil {
		return held, err
	}
	if err := d.coord.Dispatch(LocalEdit(local)); err != nil {
		return local, err
	}
	if d.api == nil {
		return local, nil
	}
	updated, err := d.api.UpdateProgress(ctx, update)
	if err != nil {
		return local, fmt.Errorf("update progress on %s: %w", update.OrderNumber, err)
	}
	if err := d.coord.Dispatch(LocalEdit(updated)); err != nil {
		return updated, err
	}
	return updated, d.announce(ctx, EventOrderUpdate, updated, update.TeamType)
}

func (d *Desk) announce(ctx context.Context, event string, order orders.Order, teamType string) error {
	if d.emitter == nil {
		return nil
	}
	if teamType == "" {
		if team, ok := d.coord.Viewer().TeamCategory(); ok {
			teamType = team.String()
		}
	}
	payload := Announcement{
		Order:     order,
		TeamType:  teamType,
		TeamTypes: orders.TargetTeams(order, d.coord.Viewer()),
		Timestamp: d.now(),
	}
	if err := d.emitter.Emit(ctx, event, payload); err != nil {
		if d.logger != nil {
			d.logger.Printf("emit %s for %s failed: %v", event, order, err)
		}
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}
