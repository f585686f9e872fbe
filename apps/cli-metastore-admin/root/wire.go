package root

import (
	migratecmd "github.com/benediktbwimmer/apphub-metastore/apps/cli-metastore-admin/cmd/migrate"
	tokencmd "github.com/benediktbwimmer/apphub-metastore/apps/cli-metastore-admin/cmd/token"
)

func init() {
	Root().AddCommand(migratecmd.Command())
	Root().AddCommand(tokencmd.Command())
}
