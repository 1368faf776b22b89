package types

const (
	// AnnotationSidecar marks a Pod as itself being a sidecar when set to "true".
	// Pods carrying it never get a sidecar of their own.
	AnnotationSidecar = "sidecar"

	// LabelSidecar is set on every sidecar Pod the controller creates.
	// Used for selection and listing (labels are indexed, annotations are not).
	LabelSidecar = "sidecar"

	// ValueTrue is the canonical "true" value for boolean annotations and labels.
	ValueTrue = "true"

	// Owner reference shape written on sidecars and matched on deletion.
	OwnerKindPod       = "Pod"
	OwnerAPIVersionPod = "v1"

	// InitialResourceVersion starts the watch from the beginning of the
	// currently visible history.
	InitialResourceVersion = "0"
)

// Defaults used when no configuration overrides them.
const (
	DefaultNamespace     = "rustoperator"
	DefaultSidecarPrefix = "hazelcast-"
	DefaultSidecarImage  = "hazelcast/hazelcast:4.2"
	DefaultHealthAddr    = ":8081"
	DefaultMetricsAddr   = ":8080"
)
