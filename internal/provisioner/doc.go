// Package provisioner defines the contract between the control plane and the
// infrastructure that hosts workers and replica groups, along with the
// per-tag runtimes that drive a worker once it exists.
package provisioner
