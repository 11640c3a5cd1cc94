package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"tuneagent/internal/dbms"
)

const (
	defaultCloudInitPath = "/run/cloud-init/instance-data.json"
	unknownValue         = "-"
)

// ClientInfo collects the host and server description sent on first
// registration. Host facts that cannot be read are left zero.
func (d *DB) ClientInfo(ctx context.Context) (dbms.ClientInfo, error) {
	var (
		info    dbms.ClientInfo
		maxConn string
		dataDir string
		dbSize  int64
	)
	err := d.withConn(ctx, func(conn *pgx.Conn) error {
		if err := conn.QueryRow(ctx, "SHOW server_version").Scan(&info.DBVersion); err != nil {
			return err
		}
		if err := conn.QueryRow(ctx, "SHOW max_connections").Scan(&maxConn); err != nil {
			return err
		}
		if err := conn.QueryRow(ctx, "SHOW data_directory").Scan(&dataDir); err != nil {
			return err
		}
		return conn.QueryRow(ctx, "SELECT coalesce(sum(pg_database_size(datname)), 0)::bigint FROM pg_database").Scan(&dbSize)
	})
	if err != nil {
		return dbms.ClientInfo{}, fmt.Errorf("read server info: %w", err)
	}
	info.MaxConnections, _ = strconv.Atoi(strings.TrimSpace(maxConn))
	if dbSize > 0 {
		info.DatabaseSize = uint64(dbSize)
	}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.OSType = strings.TrimSpace(hi.Platform + " " + hi.PlatformVersion)
		if info.OSType == "" {
			info.OSType = hi.OS
		}
	} else {
		d.log.WithError(err).Debug("host info unavailable")
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.NumCPU = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.TotalMemory = vm.Total
		info.AvailableMemory = vm.Available
	}
	if usage, err := disk.UsageWithContext(ctx, dataDir); err == nil {
		info.DiskSize = usage.Total
	} else {
		d.log.WithError(err).Debug("disk usage unavailable")
	}
	info.DiskType = diskType(ctx, dataDir)
	info.CloudProvider, info.InstanceType = readCloudInit(d.cloudInitPath)
	return info, nil
}

// diskType reports "ssd" or "hdd" for the device holding path, or "" when
// the device cannot be resolved.
func diskType(ctx context.Context, path string) string {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil || path == "" {
		return ""
	}
	var device, mount string
	for _, p := range parts {
		if isUnder(path, p.Mountpoint) && len(p.Mountpoint) > len(mount) {
			device, mount = p.Device, p.Mountpoint
		}
	}
	if device == "" {
		return ""
	}
	name := filepath.Base(device)
	for _, candidate := range []string{
		filepath.Join("/sys/class/block", name, "queue", "rotational"),
		filepath.Join("/sys/class/block", name, "..", "queue", "rotational"),
	} {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) == "1" {
			return "hdd"
		}
		return "ssd"
	}
	return ""
}

func isUnder(path, mount string) bool {
	if mount == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == mount || strings.HasPrefix(path, mount+"/")
}

type cloudInitData struct {
	V1 struct {
		CloudName string `json:"cloud-name"`
	} `json:"v1"`
	DS struct {
		Dynamic struct {
			InstanceIdentity struct {
				Document struct {
					InstanceType string `json:"instanceType"`
				} `json:"document"`
			} `json:"instance-identity"`
		} `json:"dynamic"`
		MetaData struct {
			IMDS struct {
				Compute struct {
					VMSize string `json:"vmSize"`
				} `json:"compute"`
			} `json:"imds"`
		} `json:"meta_data"`
	} `json:"ds"`
}

// readCloudInit extracts the provider and instance type from cloud-init's
// instance data. Anything unreadable is reported as "-".
func readCloudInit(path string) (provider, instanceType string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return unknownValue, unknownValue
	}
	var ci cloudInitData
	if err := json.Unmarshal(data, &ci); err != nil || ci.V1.CloudName == "" {
		return unknownValue, unknownValue
	}
	provider = ci.V1.CloudName
	switch provider {
	case "aws":
		instanceType = ci.DS.Dynamic.InstanceIdentity.Document.InstanceType
	case "azure":
		instanceType = ci.DS.MetaData.IMDS.Compute.VMSize
	}
	if instanceType == "" {
		instanceType = unknownValue
	}
	return provider, instanceType
}
