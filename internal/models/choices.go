package models

// Regions accepted for instances and volumes.
var Regions = []string{
	"ap-northeast",
	"ap-south",
	"ap-southeast",
	"ap-west",
	"ca-central",
	"us-central",
	"us-east",
	"us-southeast",
	"us-west",
	"eu-central",
	"eu-west",
}

// InstanceTypes accepted for instances.
var InstanceTypes = []string{
	"g6-nanode-1",
	"g6-standard-1",
	"g6-standard-2",
	"g6-standard-4",
	"g6-standard-6",
	"g6-standard-8",
	"g6-standard-16",
	"g6-standard-20",
	"g6-standard-24",
	"g6-standard-32",
	"g7-highmem-1",
	"g7-highmem-2",
	"g7-highmem-4",
	"g7-highmem-8",
	"g7-highmem-16",
	"g6-dedicated-2",
	"g6-dedicated-4",
	"g6-dedicated-8",
	"g6-dedicated-16",
	"g6-dedicated-32",
	"g6-dedicated-48",
	"g6-dedicated-50",
	"g6-dedicated-56",
	"g6-dedicated-64",
	"g1-gpu-rtx6000-1",
	"g1-gpu-rtx6000-2",
	"g1-gpu-rtx6000-3",
	"g1-gpu-rtx6000-4",
}

// Images accepted for instances.
var Images = []string{
	"linode/almalinux8",
	"linode/almalinux9",
	"linode/alpine3.12",
	"linode/alpine3.13",
	"linode/alpine3.14",
	"linode/alpine3.15",
	"linode/alpine3.16",
	"linode/arch",
	"linode/centos7",
	"linode/centos8",
	"linode/centos-stream8",
	"linode/centos-stream9",
	"linode/debian9",
	"linode/debian10",
	"linode/debian11",
	"linode/debian9-kube-v1.20.7",
	"linode/debian9-kube-v1.21.1",
	"linode/debian9-kube-v1.22.2",
	"linode/debian11-kube-v1.20.15",
	"linode/debian11-kube-v1.21.12",
	"linode/debian11-kube-v1.22.9",
	"linode/debian11-kube-v1.23.6",
	"linode/fedora34",
	"linode/fedora35",
	"linode/fedora36",
	"linode/gentoo",
	"linode/kali",
	"linode/opensuse15.3",
	"linode/opensuse15.4",
	"linode/rocky8",
	"linode/rocky9",
	"linode/slackware14.1",
	"linode/slackware14.2",
	"linode/slackware15.0",
	"linode/ubuntu16.04lts",
	"linode/ubuntu18.04",
	"linode/ubuntu20.04",
	"linode/ubuntu21.04",
	"linode/ubuntu21.10",
	"linode/ubuntu22.04",
	"linode/ubuntu22.10",
}

// FileSystemTypes that a volume may be formatted with.
var FileSystemTypes = []string{"ext4"}
