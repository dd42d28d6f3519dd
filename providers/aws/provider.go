// Package aws snapshots EC2 instances and RDS databases.
package aws

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/jonboulle/clockwork"

	"github.com/yairfalse/vigil/providers"
	"github.com/yairfalse/vigil/types"
)

// EC2API is the subset of the EC2 client used for snapshots
type EC2API interface {
	ec2.DescribeInstancesAPIClient
	ec2.DescribeInstanceTypesAPIClient
}

// RDSAPI is the subset of the RDS client used for snapshots
type RDSAPI interface {
	rds.DescribeDBInstancesAPIClient
}

// NewAWSProviderFactory loads the default credential chain for the region
func NewAWSProviderFactory(ctx context.Context, cfg providers.ProviderConfig) (providers.SnapshotProvider, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewProvider(ec2.NewFromConfig(awsCfg), rds.NewFromConfig(awsCfg), cfg.Region, nil), nil
}

func init() {
	providers.RegisterProvider("aws", NewAWSProviderFactory)
}

// Provider implements providers.SnapshotProvider over EC2 and RDS
type Provider struct {
	ec2    EC2API
	rds    RDSAPI
	region string
	clock  clockwork.Clock

	mu        sync.Mutex
	typeCache map[string]ec2types.InstanceTypeInfo
}

// NewProvider creates a provider from API clients. clock may be nil.
func NewProvider(ec2Client EC2API, rdsClient RDSAPI, region string, clock clockwork.Clock) *Provider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Provider{
		ec2:       ec2Client,
		rds:       rdsClient,
		region:    region,
		clock:     clock,
		typeCache: make(map[string]ec2types.InstanceTypeInfo),
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "aws"
}

// Snapshot lists all instances and databases in the region
func (p *Provider) Snapshot(ctx context.Context) ([]types.ResourceSnapshot, error) {
	instances, err := p.listInstances(ctx)
	if err != nil {
		return nil, err
	}
	databases, err := p.listDatabases(ctx)
	if err != nil {
		return nil, err
	}
	return append(instances, databases...), nil
}

func (p *Provider) listInstances(ctx context.Context) ([]types.ResourceSnapshot, error) {
	var raw []ec2types.Instance
	paginator := ec2.NewDescribeInstancesPaginator(p.ec2, &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, reservation := range page.Reservations {
			raw = append(raw, reservation.Instances...)
		}
	}

	wanted := make([]string, 0, len(raw))
	for _, inst := range raw {
		wanted = append(wanted, string(inst.InstanceType))
	}
	if err := p.resolveTypes(ctx, wanted); err != nil {
		return nil, err
	}

	now := p.clock.Now()
	out := make([]types.ResourceSnapshot, 0, len(raw))
	for _, inst := range raw {
		out = append(out, p.instanceSnapshot(inst, now))
	}
	return out, nil
}

func (p *Provider) instanceSnapshot(inst ec2types.Instance, now time.Time) types.ResourceSnapshot {
	labels := ec2Tags(inst.Tags)
	snap := types.ResourceSnapshot{
		ID:         aws.ToString(inst.InstanceId),
		Name:       labels["Name"],
		Type:       "ec2",
		Provider:   "aws",
		Region:     p.region,
		Labels:     labels,
		CapturedAt: now,
	}
	if inst.State != nil {
		snap.Status = string(inst.State.Name)
	}
	if inst.Placement != nil {
		snap.Node = aws.ToString(inst.Placement.HostId)
		if snap.Node == "" {
			snap.Node = aws.ToString(inst.Placement.AvailabilityZone)
		}
	}
	snap.CPUCores, snap.MemoryBytes = p.capacity(string(inst.InstanceType))
	return snap
}

func (p *Provider) listDatabases(ctx context.Context) ([]types.ResourceSnapshot, error) {
	var raw []rdstypes.DBInstance
	paginator := rds.NewDescribeDBInstancesPaginator(p.rds, &rds.DescribeDBInstancesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to describe DB instances: %w", err)
		}
		raw = append(raw, page.DBInstances...)
	}

	wanted := make([]string, 0, len(raw))
	for _, db := range raw {
		wanted = append(wanted, computeClass(aws.ToString(db.DBInstanceClass)))
	}
	if err := p.resolveTypes(ctx, wanted); err != nil {
		return nil, err
	}

	now := p.clock.Now()
	out := make([]types.ResourceSnapshot, 0, len(raw))
	for _, db := range raw {
		labels := rdsTags(db.TagList)
		if engine := aws.ToString(db.Engine); engine != "" {
			labels["engine"] = engine
		}
		id := aws.ToString(db.DBInstanceIdentifier)
		snap := types.ResourceSnapshot{
			ID:         id,
			Name:       id,
			Type:       "rds",
			Provider:   "aws",
			Region:     p.region,
			Status:     aws.ToString(db.DBInstanceStatus),
			Node:       aws.ToString(db.AvailabilityZone),
			Labels:     labels,
			CapturedAt: now,
		}
		snap.CPUCores, snap.MemoryBytes = p.capacity(computeClass(aws.ToString(db.DBInstanceClass)))
		out = append(out, snap)
	}
	return out, nil
}

// resolveTypes fetches instance type info not already cached
func (p *Provider) resolveTypes(ctx context.Context, names []string) error {
	p.mu.Lock()
	seen := make(map[string]bool)
	var missing []ec2types.InstanceType
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := p.typeCache[name]; !ok {
			missing = append(missing, ec2types.InstanceType(name))
		}
	}
	p.mu.Unlock()

	if len(missing) == 0 {
		return nil
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	paginator := ec2.NewDescribeInstanceTypesPaginator(p.ec2, &ec2.DescribeInstanceTypesInput{InstanceTypes: missing})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to describe instance types: %w", err)
		}
		p.mu.Lock()
		for _, info := range page.InstanceTypes {
			p.typeCache[string(info.InstanceType)] = info
		}
		p.mu.Unlock()
	}
	return nil
}

func (p *Provider) capacity(instanceType string) (int, int64) {
	p.mu.Lock()
	info, ok := p.typeCache[instanceType]
	p.mu.Unlock()
	if !ok {
		return 0, 0
	}
	var cores int
	var mem int64
	if info.VCpuInfo != nil {
		cores = int(aws.ToInt32(info.VCpuInfo.DefaultVCpus))
	}
	if info.MemoryInfo != nil {
		mem = aws.ToInt64(info.MemoryInfo.SizeInMiB) * 1024 * 1024
	}
	return cores, mem
}

// computeClass maps an RDS class like db.m5.large to its EC2 type
func computeClass(class string) string {
	return strings.TrimPrefix(class, "db.")
}

func ec2Tags(tags []ec2types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

func rdsTags(tags []rdstypes.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}
