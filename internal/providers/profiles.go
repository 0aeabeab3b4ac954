package providers

import (
	"regexp"
	"time"
)

const (
	OrangeMoney = "orange-money"
	MTNMoMo     = "mtn-momo"
	Cards       = "cards"
)

// westCentralAfricaMSISDN covers Cameroon (+237 6/7) and the +22x West African plans.
var westCentralAfricaMSISDN = regexp.MustCompile(`^\+(237[67]\d{8}|22[1-9]\d{8})$`)

// profile captures everything that differs between providers sharing the REST client.
type profile struct {
	name string

	createPath string
	statusPath string // fmt pattern taking the provider reference
	cancelPath string

	// simulator id prefixes
	externalPrefix  string
	referencePrefix string

	externalIDField string
	referenceField  string
	paymentURLBase  string

	phone        *regexp.Regexp
	currencies   []string
	capabilities Capabilities
	encode       func(CreateRequest) map[string]any

	timeout  time.Duration
	min, max int64
}

func orangeMoneyProfile() profile {
	return profile{
		name:            OrangeMoney,
		createPath:      "/omcoreapis/1.0.2/mp/pay",
		statusPath:      "/omcoreapis/1.0.2/mp/paymentstatus/%s",
		cancelPath:      "/omcoreapis/1.0.2/mp/cancel/%s",
		externalPrefix:  "OM_",
		referencePrefix: "OM_REF_",
		externalIDField: "txnid",
		referenceField:  "pay_token",
		paymentURLBase:  "https://orange-money.example.com/pay/",
		phone:           westCentralAfricaMSISDN,
		currencies:      []string{"XOF", "XAF"},
		capabilities:    Capabilities{Create: true, Cancel: true},
		encode: func(r CreateRequest) map[string]any {
			return map[string]any{
				"order_id":          r.Reference,
				"amount":            r.AmountMinor,
				"currency":          r.Currency,
				"subscriber_msisdn": r.Phone,
				"description":       r.Description,
				"notif_url":         r.CallbackURL,
				"return_url":        r.ReturnURL,
			}
		},
	}
}

func mtnMoMoProfile() profile {
	return profile{
		name:            MTNMoMo,
		createPath:      "/collection/v1_0/requesttopay",
		statusPath:      "/collection/v1_0/requesttopay/%s",
		cancelPath:      "/collection/v1_0/requesttopay/%s/cancel",
		externalPrefix:  "MTN_",
		referencePrefix: "MTN_REF_",
		externalIDField: "financial_transaction_id",
		referenceField:  "reference_id",
		paymentURLBase:  "https://mtn-momo.example.com/pay/",
		phone:           westCentralAfricaMSISDN,
		currencies:      []string{"XOF", "XAF"},
		capabilities:    Capabilities{Create: true, Cancel: true},
		encode: func(r CreateRequest) map[string]any {
			return map[string]any{
				"external_id": r.Reference,
				"amount":      r.AmountMinor,
				"currency":    r.Currency,
				"payer": map[string]any{
					"party_id_type": "MSISDN",
					"party_id":      r.Phone,
				},
				"payer_message": r.Description,
				"callback_url":  r.CallbackURL,
			}
		},
	}
}

func cardsProfile() profile {
	return profile{
		name:            Cards,
		createPath:      "/v1/payment_intents",
		statusPath:      "/v1/payment_intents/%s",
		cancelPath:      "/v1/payment_intents/%s/cancel",
		externalPrefix:  "CARD_",
		referencePrefix: "CARD_REF_",
		externalIDField: "charge_id",
		referenceField:  "payment_intent",
		paymentURLBase:  "https://cards.example.com/pay/",
		currencies:      []string{"XAF", "XOF", "EUR", "USD"},
		capabilities:    Capabilities{Create: true, Cancel: true, Refund: true, Recurring: true},
		encode: func(r CreateRequest) map[string]any {
			return map[string]any{
				"merchant_reference": r.Reference,
				"amount":             r.AmountMinor,
				"currency":           r.Currency,
				"customer_email":     r.Email,
				"description":        r.Description,
				"webhook_url":        r.CallbackURL,
				"return_url":         r.ReturnURL,
				"metadata":           r.Metadata,
			}
		},
	}
}

func profileFor(name string) (profile, bool) {
	switch name {
	case OrangeMoney:
		return orangeMoneyProfile(), true
	case MTNMoMo:
		return mtnMoMoProfile(), true
	case Cards:
		return cardsProfile(), true
	default:
		return profile{}, false
	}
}
