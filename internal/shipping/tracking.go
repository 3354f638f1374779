package shipping

import (
	"context"
	"strings"
	"time"

	"github.com/angelmondragon/storefront-fulfillment/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-fulfillment/pkg/errors"
)

// TrackingView is the public tracking page payload.
type TrackingView struct {
	TrackingNumber    string               `json:"trackingNumber"`
	Carrier           string               `json:"carrier"`
	OrderNumber       int64                `json:"orderNumber"`
	OrderStatus       enums.OrderStatus    `json:"orderStatus"`
	Status            enums.ShipmentStatus `json:"status"`
	Location          string               `json:"location,omitempty"`
	EstimatedDelivery *time.Time           `json:"estimatedDelivery,omitempty"`
	ActualDelivery    *time.Time           `json:"actualDelivery,omitempty"`
	History           []TrackingEventView  `json:"history"`
}

type TrackingEventView struct {
	Status      enums.ShipmentStatus `json:"status"`
	Location    string               `json:"location,omitempty"`
	Description string               `json:"description,omitempty"`
	OccurredAt  time.Time            `json:"occurredAt"`
}

// TrackShipment is read-only. Recorded carrier webhooks are shown when present,
// otherwise the carrier's live view fills the history.
func (d *dispatcher) TrackShipment(ctx context.Context, trackingNumber string) (*TrackingView, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tracking number required")
	}
	shipment, err := d.repo.FindByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	order, err := d.orderRepo.FindByID(ctx, shipment.OrderID)
	if err != nil {
		return nil, err
	}

	view := &TrackingView{
		TrackingNumber:    trackingNumber,
		Carrier:           shipment.Carrier,
		OrderNumber:       order.OrderNumber,
		OrderStatus:       order.Status,
		Status:            shipment.Status,
		EstimatedDelivery: shipment.EstimatedDelivery,
		ActualDelivery:    shipment.ActualDelivery,
		History:           make([]TrackingEventView, 0, len(shipment.Events)),
	}
	for _, ev := range shipment.Events {
		entry := TrackingEventView{Status: ev.Status, OccurredAt: ev.OccurredAt}
		if ev.Location != nil {
			entry.Location = *ev.Location
			view.Location = *ev.Location
		}
		if ev.Description != nil {
			entry.Description = *ev.Description
		}
		view.History = append(view.History, entry)
	}

	// Final shipments are not worth a carrier round trip.
	if shipment.Status.IsFinal() {
		return view, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CarrierTimeout)
	info, err := d.carrier.Track(callCtx, trackingNumber, shipment.CreatedAt)
	cancel()
	if err != nil {
		if d.logg != nil {
			d.logg.Warn(d.logg.WithField(d.logg.WithTrackingNumber(ctx, trackingNumber), "error", err.Error()), "shipment.track_failed")
		}
		return view, nil
	}
	if len(shipment.Events) == 0 {
		for _, ev := range info.Events {
			view.History = append(view.History, TrackingEventView{
				Status:      ev.Status,
				Location:    ev.Location,
				Description: ev.Description,
				OccurredAt:  ev.OccurredAt,
			})
		}
		view.Status = info.Status
		view.Location = info.Location
	}
	if info.EstimatedDelivery != nil {
		view.EstimatedDelivery = info.EstimatedDelivery
	}
	return view, nil
}
