package notification

import (
	"bytes"
	"fmt"
	"text/template"
)

// Kind names a built-in notification.
type Kind string

const (
	KindOrderCreated       Kind = "order_created"
	KindShippingDispatched Kind = "shipping_dispatched"
	KindShippingDelivered  Kind = "shipping_delivered"
	KindOrderCancelled     Kind = "order_cancelled"
)

var builtin = map[Kind][2]string{
	KindOrderCreated: {
		"We received your order {{.orderId}}",
		"Thanks for your order {{.orderId}}. {{.items}} item(s), total {{.amount}} {{.currency}}. We will let you know when it ships.",
	},
	KindShippingDispatched: {
		"Your order {{.orderId}} is on its way",
		"{{.carrier}} picked up your order {{.orderId}}. Tracking number {{.trackingNumber}}, expected by {{.eta}}.",
	},
	KindShippingDelivered: {
		"Your order {{.orderId}} was delivered",
		"Your order {{.orderId}} was delivered on {{.deliveredAt}}.",
	},
	KindOrderCancelled: {
		"Your order {{.orderId}} was cancelled",
		"Your order {{.orderId}} was cancelled{{if .reason}} ({{.reason}}){{end}}. Any payment taken will be refunded.",
	},
}

type Renderer struct {
	templates map[Kind]*template.Template
}

func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[Kind]*template.Template, len(builtin))}
	for k, parts := range builtin {
		t, err := parse(string(k), parts[0], parts[1])
		if err != nil {
			return nil, err
		}
		r.templates[k] = t
	}
	return r, nil
}

// Render renders the subject and body of a built-in notification.
func (r *Renderer) Render(k Kind, vars map[string]string) (string, string, error) {
	t, ok := r.templates[k]
	if !ok {
		return "", "", fmt.Errorf("unknown notification %q", k)
	}
	return execute(t, vars)
}

// RenderText renders caller supplied subject and body templates.
func (r *Renderer) RenderText(subject, body string, vars map[string]string) (string, string, error) {
	t, err := parse("adhoc", subject, body)
	if err != nil {
		return "", "", err
	}
	return execute(t, vars)
}

func parse(name, subject, body string) (*template.Template, error) {
	t := template.New(name).Option("missingkey=zero")
	if _, err := t.New("subject").Parse(subject); err != nil {
		return nil, fmt.Errorf("parse %s subject: %w", name, err)
	}
	if _, err := t.New("body").Parse(body); err != nil {
		return nil, fmt.Errorf("parse %s body: %w", name, err)
	}
	return t, nil
}

func execute(t *template.Template, vars map[string]string) (string, string, error) {
	var subject, body bytes.Buffer
	if err := t.ExecuteTemplate(&subject, "subject", vars); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", t.Name(), err)
	}
	if err := t.ExecuteTemplate(&body, "body", vars); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", t.Name(), err)
	}
	return subject.String(), body.String(), nil
}
