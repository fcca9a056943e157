package testutil

import "time"

// ServiceCall records a service call for testing/verification
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// EntityID returns the call's target entity, or "" if it has none
func (c ServiceCall) EntityID() string {
	id, _ := c.ServiceData["entity_id"].(string)
	return id
}

// FilterServiceCalls filters service calls by domain and service
func FilterServiceCalls(calls []ServiceCall, domain, service string) []ServiceCall {
	var filtered []ServiceCall
	for _, call := range calls {
		if call.Domain == domain && call.Service == service {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// ExcludeDomain drops the calls of one domain, keeping the order of the rest
func ExcludeDomain(calls []ServiceCall, domain string) []ServiceCall {
	var filtered []ServiceCall
	for _, call := range calls {
		if call.Domain != domain {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// FindServiceCallWithEntityID finds the most recent call for a specific entity
func FindServiceCallWithEntityID(calls []ServiceCall, domain, service, entityID string) *ServiceCall {
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		if call.Domain == domain && call.Service == service && call.EntityID() == entityID {
			return &call
		}
	}
	return nil
}
