package otp

import (
	"context"
	"log"
)

// Notifier delivers a one-time code to a phone number. The transport
// (SMS, push) lives outside this service.
type Notifier interface {
	SendCode(ctx context.Context, phone, code string) error
}

// LogNotifier writes codes to the process log. Development only: code values
// must never reach logs in a production configuration.
type LogNotifier struct{}

// SendCode logs the code against a masked phone number.
func (LogNotifier) SendCode(_ context.Context, phone, code string) error {
	log.Printf("otp: code for %s: %s", MaskPhone(phone), code)
	return nil
}

// NopNotifier drops codes. It is the placeholder a deployment replaces with
// its SMS gateway client.
type NopNotifier struct{}

// SendCode discards the code.
func (NopNotifier) SendCode(context.Context, string, string) error { return nil }
