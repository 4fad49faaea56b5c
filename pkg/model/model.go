// Package model defines the domain entities lnvpsd provisions and bills
// against (spec.md §3). Timestamps are UTC seconds; monetary values are
// integer minor units (milli-satoshis for BTC, cents for fiat).
package model

import "github.com/google/uuid"

// Region is a deployment zone, parent of Hosts and IpRanges.
type Region struct {
	ID   uuid.UUID
	Name string
}

// HostKind identifies a hypervisor driver.
type HostKind string

const (
	HostKindProxmox HostKind = "proxmox"
	HostKindLibVirt HostKind = "libvirt"
)

// LoadFactors are oversubscription multipliers, each ≥ 1.0.
type LoadFactors struct {
	CPU    float64
	Memory float64
	Disk   float64
}

// Host is a hypervisor node. Created by an operator; mutated only by the
// reconcile worker to adjust cpu/memory to observed host truth.
type Host struct {
	ID              uuid.UUID
	RegionID        uuid.UUID
	Kind            HostKind
	Endpoint        string
	Credentials     []byte // opaque, encrypted at rest
	CPUCores        int
	MemoryBytes     int64
	LoadFactor      LoadFactors
	VlanTag         *int
	SSHUser         string
	SSHKey          []byte // opaque, encrypted at rest
}

// DiskKind is the physical medium of a HostDisk.
type DiskKind string

const (
	DiskKindHDD DiskKind = "hdd"
	DiskKindSSD DiskKind = "ssd"
)

// DiskInterface is the bus a HostDisk is attached over.
type DiskInterface string

const (
	DiskInterfaceSATA DiskInterface = "sata"
	DiskInterfaceSCSI DiskInterface = "scsi"
	DiskInterfacePCIe DiskInterface = "pcie"
)

// HostDisk is a storage pool on a Host. Invariant: a VM's disk-id must
// reference a disk belonging to the VM's host-id.
type HostDisk struct {
	ID        uuid.UUID
	HostID    uuid.UUID
	Name      string
	SizeBytes int64
	Kind      DiskKind
	Interface DiskInterface
	Enabled   bool
}

// IntervalKind is the unit a CostPlan's interval-count is expressed in.
type IntervalKind string

const (
	IntervalDay   IntervalKind = "day"
	IntervalMonth IntervalKind = "month"
	IntervalYear  IntervalKind = "year"
)

// Seconds returns the number of seconds one unit of k normalizes to,
// spec.md §4.4.1: a month is 30·24·3600s, a year 365·24·3600s.
func (k IntervalKind) Seconds() int64 {
	switch k {
	case IntervalDay:
		return 86400
	case IntervalMonth:
		return 30 * 86400
	case IntervalYear:
		return 365 * 86400
	default:
		return 0
	}
}

// CostPlan is a billing interval attached to a standard VmTemplate.
type CostPlan struct {
	ID            uuid.UUID
	Currency      string
	Amount        int64
	IntervalKind  IntervalKind
	IntervalCount int
}

// IntervalSeconds is IntervalCount × IntervalKind.Seconds().
func (p CostPlan) IntervalSeconds() int64 {
	return int64(p.IntervalCount) * p.IntervalKind.Seconds()
}

// VmTemplate is a sellable preset.
type VmTemplate struct {
	ID            uuid.UUID
	RegionID      uuid.UUID
	Name          string
	CPU           int
	MemoryBytes   int64
	DiskSizeBytes int64
	DiskKind      DiskKind
	DiskInterface DiskInterface
	CostPlanID    uuid.UUID
	Enabled       bool
	Expires       *int64
}

// VmCustomTemplate is a per-VM instantiated spec, attached to a VM
// provisioned under a custom pricing profile, or created on upgrade.
type VmCustomTemplate struct {
	ID            uuid.UUID
	CPU           int
	MemoryBytes   int64
	DiskSizeBytes int64
	DiskKind      DiskKind
	DiskInterface DiskInterface
	PricingID     uuid.UUID
}

// CustomPricing prices a la carte resources for a region.
type CustomPricing struct {
	ID             uuid.UUID
	RegionID       uuid.UUID
	Currency       string
	PerCPUCost     int64
	PerGBMemory    int64
	PerIPv4Cost    int64
	PerIPv6Cost    int64
	MinCPU, MaxCPU int
	MinMemoryBytes int64
	MaxMemoryBytes int64
	Enabled        bool
	Disks          []CustomPricingDisk
}

// CustomPricingDisk prices one disk kind × interface combination.
type CustomPricingDisk struct {
	ID              uuid.UUID
	PricingID       uuid.UUID
	Kind            DiskKind
	Interface       DiskInterface
	CostPerGB       int64
	MinSizeBytes    int64
	MaxSizeBytes    int64
}

// AllocationMode selects the address-picking strategy for an IpRange.
type AllocationMode string

const (
	AllocationRandom     AllocationMode = "random"
	AllocationSequential AllocationMode = "sequential"
	AllocationSlaacEui64 AllocationMode = "slaac_eui64"
)

// IpRange is a CIDR of assignable addresses.
type IpRange struct {
	ID             uuid.UUID
	RegionID       uuid.UUID
	CIDR           string
	Gateway        string
	Enabled        bool
	AllocationMode AllocationMode
	AccessPolicyID *uuid.UUID
	ReverseZoneID  *string // opaque DNS zone identifier, not a foreign key
	UseFullRange   bool
}

// AccessPolicyKind identifies how a router enforces an IpRange binding.
type AccessPolicyKind string

// AccessPolicyStaticArp installs a static vm-mac -> ip ARP binding.
const AccessPolicyStaticArp AccessPolicyKind = "static_arp"

// AccessPolicy binds an IpRange to a router interface.
type AccessPolicy struct {
	ID            uuid.UUID
	Kind          AccessPolicyKind
	RouterID      uuid.UUID
	InterfaceName string
}

// UnsetMAC is the sentinel mac-address a Vm carries until one is minted.
const UnsetMAC = "ff:ff:ff:ff:ff:ff"

// Vm is a provisioned instance.
//
// Invariants: exactly one of TemplateID or CustomTemplateID is set;
// CreatedAt <= ExpiresAt (equal means Unpaid); MAC must become a valid
// unicast address before create-on-host runs; Deleted is monotonic.
type Vm struct {
	ID               uuid.UUID
	HostID           uuid.UUID
	UserID           uuid.UUID
	ImageID          uuid.UUID
	TemplateID       *uuid.UUID
	CustomTemplateID *uuid.UUID
	SSHKeyID         uuid.UUID
	DiskID           uuid.UUID
	MACAddress       string
	CreatedAt        int64
	ExpiresAt        int64
	RefCode          string
	Deleted          bool
	AutoRenewal      bool
}

// Unpaid reports whether this VM has never been paid for (spec.md §3:
// created-at == expires-at).
func (v Vm) Unpaid() bool {
	return v.CreatedAt == v.ExpiresAt
}

// VmIpAssignment binds a Vm to one IP in an IpRange.
//
// Invariant: for IPv4 in a StaticArp range, ArpRef is non-nil while
// Deleted is false.
type VmIpAssignment struct {
	ID             uuid.UUID
	VmID           uuid.UUID
	IpRangeID      uuid.UUID
	IP             string
	ArpRef         *string
	DNSForward     string
	DNSForwardRef  *string
	DNSReverse     string
	DNSReverseRef  *string
	Deleted        bool
}

// PaymentMethod identifies how a VmPayment is settled.
type PaymentMethod string

const (
	PaymentMethodLightning PaymentMethod = "lightning"
	PaymentMethodRevolut   PaymentMethod = "revolut"
	PaymentMethodPaypal    PaymentMethod = "paypal"
)

// PaymentType identifies what a VmPayment is for.
type PaymentType string

const (
	PaymentTypeRenewal PaymentType = "renewal"
	PaymentTypeUpgrade PaymentType = "upgrade"
)

// VmPayment is a billing attempt against a Vm.
//
// Invariants: IsPaid transitions false -> true exactly once and
// irreversibly; settling a Renewal adds TimeValueSeconds to the Vm's
// expiry; settling an Upgrade applies UpgradeParams, expiry unchanged.
type VmPayment struct {
	ID                []byte // payment-hash for Lightning, random 32 bytes for fiat
	VmID              uuid.UUID
	CreatedAt         int64
	ExpiresAt         int64
	Amount            int64
	Tax               int64
	Currency          string
	PaymentMethod     PaymentMethod
	PaymentType       PaymentType
	TimeValueSeconds  int64
	Rate              *float64
	ExternalData      string
	ExternalID        *string
	UpgradeParams     *UpgradeConfig
	IsPaid            bool
}

// UpgradeConfig describes a resource upgrade applied on an Upgrade
// payment's settlement.
type UpgradeConfig struct {
	CPU           *int   `validate:"required_without_all=MemoryBytes DiskSizeBytes,omitempty,gt=0"`
	MemoryBytes   *int64 `validate:"required_without_all=CPU DiskSizeBytes,omitempty,gt=0"`
	DiskSizeBytes *int64 `validate:"required_without_all=CPU MemoryBytes,omitempty,gt=0"`
}

// User is the owner of Vms.
type User struct {
	ID          uuid.UUID
	Email       string
	CountryCode string
}

// UserSshKey is an SSH public key belonging to a User.
type UserSshKey struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	PublicKey string
}

// VmOsImage is an installable OS image.
type VmOsImage struct {
	ID      uuid.UUID
	Name    string
	URL     string
	Enabled bool
}
