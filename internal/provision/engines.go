package provision

import (
	"fmt"
	"strings"

	"appstack/internal/domain"
)

// Database defaults shared by both engines.
const (
	MasterUsername      = "root"
	BackupRetentionDays = 1
	ClusterInstances    = 1
)

type engineSpec struct {
	logicalID     string
	engine        domain.DatabaseEngine
	version       string
	databaseName  string
	port          int
	instanceClass string
	outputLabel   string
	enabled       func(domain.FeatureFlags) bool
}

// engineTable returns a fresh table on every call so no run can mutate
// another run's defaults.
func engineTable() []engineSpec {
	return []engineSpec{
		{
			logicalID:     "Mysql",
			engine:        domain.EngineAuroraMySQL,
			version:       "5.7.mysql_aurora.2.03.2",
			databaseName:  "test_db",
			port:          3306,
			instanceClass: "db.t3.small",
			outputLabel:   "MysqlEndpoint",
			enabled:       func(f domain.FeatureFlags) bool { return f.MySQL },
		},
		{
			logicalID:     "Postgresql",
			engine:        domain.EngineAuroraPostgreSQL,
			version:       "13.4",
			databaseName:  "peertube",
			port:          5432,
			instanceClass: "db.t3.medium",
			outputLabel:   "PostgresqlEndpoint",
			enabled:       func(f domain.FeatureFlags) bool { return f.PostgreSQL },
		},
	}
}

func (e engineSpec) cluster(plan domain.SubnetPlan, groupID string) *domain.DatabaseCluster {
	suffix := strings.ToLower(e.logicalID)
	return &domain.DatabaseCluster{
		LogicalID:              e.logicalID,
		Identifier:             fmt.Sprintf("appstack-%d-%s", plan.ApplicationID, suffix),
		Engine:                 e.engine,
		EngineVersion:          e.version,
		DatabaseName:           e.databaseName,
		Port:                   e.port,
		InstanceClass:          e.instanceClass,
		InstanceCount:          ClusterInstances,
		MasterUsername:         MasterUsername,
		SecretName:             fmt.Sprintf("appstack/%d/%s", plan.ApplicationID, suffix),
		SubnetLogicalIDs:       plan.SubnetLogicalIDs(),
		SecurityGroupLogicalID: groupID,
		PubliclyAccessible:     true,
		DeleteAutomatedBackups: true,
		BackupRetentionDays:    BackupRetentionDays,
		RemovalPolicy:          domain.RemovalDestroy,
	}
}
