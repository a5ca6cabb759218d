// Package upstream holds the model catalog and the provider adapters that
// implement core.UpstreamClient. The catalog maps the public model names the
// proxy exposes onto a provider plus the identifier that provider expects;
// the adapters (subpackages anthropic and openai) translate normalized
// requests into vendor SDK calls and map vendor failures onto the
// core.UpstreamError taxonomy.
package upstream
