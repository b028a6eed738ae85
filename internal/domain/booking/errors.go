package booking

import "errors"

var (
	ErrSlotNotFound        = errors.New("slot not found")
	ErrSlotUnavailable     = errors.New("slot has no available units")
	ErrSlotDeleted         = errors.New("slot has been removed")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrInvalidTransition   = errors.New("invalid appointment status transition")
	ErrSweepInProgress     = errors.New("cleanup already running")
)
