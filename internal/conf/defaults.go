// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "frostytrail")
	viper.SetDefault("main.log.enabled", false)
	viper.SetDefault("main.log.path", "logs/frostytrail.log")
	viper.SetDefault("main.log.level", "info")

	viper.SetDefault("sentinelhub.clientid", "")
	viper.SetDefault("sentinelhub.clientsecret", "")
	viper.SetDefault("sentinelhub.baseurl", "https://services.sentinel-hub.com")
	viper.SetDefault("sentinelhub.tokenurl", "https://services.sentinel-hub.com/auth/realms/main/protocol/openid-connect/token")
	viper.SetDefault("sentinelhub.ratelimit", 5.0)
	viper.SetDefault("sentinelhub.timeout", 2*time.Minute)
	viper.SetDefault("sentinelhub.maxretries", 3)
	viper.SetDefault("sentinelhub.catalogcachettl", time.Hour)

	viper.SetDefault("pipeline.resolution", 10.0)
	viper.SetDefault("pipeline.maxtilepx", 2500)
	viper.SetDefault("pipeline.workers", 5)
	viper.SetDefault("pipeline.graceperiod", 5*time.Second)
	viper.SetDefault("pipeline.tiletimeout", 0)
	viper.SetDefault("pipeline.workdir", "Outputs/SAR/temp")
	viper.SetDefault("pipeline.outputdir", "Outputs/SAR")
	viper.SetDefault("pipeline.band", "")
	viper.SetDefault("pipeline.lookbackdays", 6)
	viper.SetDefault("pipeline.speckle.type", "LEE")
	viper.SetDefault("pipeline.speckle.windowx", 7)
	viper.SetDefault("pipeline.speckle.windowy", 7)
	viper.SetDefault("pipeline.mindiskfreemb", 1024)
	viper.SetDefault("pipeline.compression", "deflate")

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "frostytrail.db")

	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "frostytrail")
	viper.SetDefault("output.mysql.password", "secret")
	viper.SetDefault("output.mysql.database", "frostytrail")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")

	viper.SetDefault("output.postgres.enabled", false)
	viper.SetDefault("output.postgres.username", "frostytrail")
	viper.SetDefault("output.postgres.password", "secret")
	viper.SetDefault("output.postgres.database", "frostytrail")
	viper.SetDefault("output.postgres.host", "localhost")
	viper.SetDefault("output.postgres.port", "5432")
	viper.SetDefault("output.postgres.sslmode", "disable")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.pushgateway", "")
	viper.SetDefault("metrics.job", "frostytrail_sar")
	viper.SetDefault("metrics.listen", "")

	viper.SetDefault("notification.enabled", false)
	viper.SetDefault("notification.urls", []string{})
}
