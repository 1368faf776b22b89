package conditions

// Reasons for Kubernetes Events recorded against workload and sidecar Pods.
const (
	// ReasonSidecarCreated is recorded on a workload Pod after its sidecar was created.
	ReasonSidecarCreated = "SidecarCreated"

	// ReasonSidecarRecreated is recorded on a sidecar Pod recreated after deletion.
	ReasonSidecarRecreated = "SidecarRecreated"

	// ReasonSidecarExisting is recorded when a create lost the race against
	// another create of the same sidecar.
	ReasonSidecarExisting = "SidecarExisting"

	ReasonCreateFailed = "SidecarCreateFailed"
)
