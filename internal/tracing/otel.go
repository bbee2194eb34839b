// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for engine spans.
const tracerName = "github.com/tombee/forge"

// Provider wraps the OpenTelemetry SDK and exposes span helpers for runs,
// jobs, and steps.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Config controls trace export.
type Config struct {
	// ServiceName labels exported spans (default "forged")
	ServiceName string `yaml:"service_name" json:"service_name"`

	// ServiceVersion labels exported spans
	ServiceVersion string `yaml:"service_version" json:"service_version"`

	// Stdout enables span export to the given writer, pretty-printed.
	// Nil disables export; spans still propagate context.
	Stdout io.Writer `yaml:"-" json:"-"`
}

// NewProvider creates a tracer provider and registers it globally.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "forged"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"", // empty schema URL avoids merge conflicts
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if cfg.Stdout != nil {
		exporter, err := stdouttrace.New(
			stdouttrace.WithWriter(cfg.Stdout),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(tracerName),
	}, nil
}

// StartRunSpan opens the root span for a pipeline run.
func (p *Provider) StartRunSpan(ctx context.Context, runID, pipelineName, triggerType string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("forge.run_id", runID),
			attribute.String("forge.pipeline", pipelineName),
			attribute.String("forge.trigger", triggerType),
		),
	)
}

// StartJobSpan opens a span for one job run. Matrix cells carry their cell
// key so fan-out is visible in traces.
func (p *Provider) StartJobSpan(ctx context.Context, jobID, cellKey string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("forge.job_id", jobID),
	}
	if cellKey != "" {
		attrs = append(attrs, attribute.String("forge.matrix_cell", cellKey))
	}
	return p.tracer.Start(ctx, "pipeline.job", trace.WithAttributes(attrs...))
}

// StartStepSpan opens a span for one step execution.
func (p *Provider) StartStepSpan(ctx context.Context, stepID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pipeline.step",
		trace.WithAttributes(attribute.String("forge.step_id", stepID)),
	)
}

// RecordError marks a span failed with the given error.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Shutdown flushes pending spans and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// ForceFlush exports all pending spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tp.ForceFlush(ctx)
}
