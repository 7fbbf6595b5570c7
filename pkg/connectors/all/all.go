// Package all registers every built-in connector kind.
package all

import (
	_ "github.com/aaryaattrey/dozer/pkg/connectors/ethlogs"
	_ "github.com/aaryaattrey/dozer/pkg/connectors/file"
	_ "github.com/aaryaattrey/dozer/pkg/connectors/kafka"
	_ "github.com/aaryaattrey/dozer/pkg/connectors/mongodb"
	_ "github.com/aaryaattrey/dozer/pkg/connectors/mysql"
	_ "github.com/aaryaattrey/dozer/pkg/connectors/postgres"
	_ "github.com/aaryaattrey/dozer/pkg/connectors/push"
	_ "github.com/aaryaattrey/dozer/pkg/connectors/s3"
	_ "github.com/aaryaattrey/dozer/pkg/connectors/snowflake"
)
