// Package completion wraps text completion providers.
//
// Provider is the one method the relay needs. AnthropicProvider and
// OpenAIProvider adapt the vendor SDKs; New picks one from configuration.
// ScenarioMatcher uses a Provider to decide which reply scenario an inbound
// message belongs to.
package completion
