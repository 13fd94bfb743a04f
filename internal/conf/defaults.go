// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig sets default values on the global viper instance.
func setDefaultConfig() {
	setDefaults(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/eqcutil.log")
	v.SetDefault("logging.file_output.level", "debug")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.sqlite.path", "eqcutil.db")
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", "3306")
	v.SetDefault("database.mysql.database", "eqcutil")

	v.SetDefault("wavebank.basepath", "wavebank")
	v.SetDefault("wavebank.pathstructure", "{year}")
	v.SetDefault("wavebank.namestructure", "{seedid}.{time}")
	v.SetDefault("wavebank.maxdiskusage", 95.0)

	v.SetDefault("template.lowcut", 2.0)
	v.SetDefault("template.highcut", 9.0)
	v.SetDefault("template.samprate", 25.0)
	v.SetDefault("template.filtorder", 4)
	v.SetDefault("template.prepick", 0.2)
	v.SetDefault("template.length", 3.0)
	v.SetDefault("template.processlength", 300.0)
	v.SetDefault("template.phases", []string{"P", "S"})

	v.SetDefault("cluster.corrthresh", 0.4)
	v.SetDefault("cluster.shiftlen", 0.2)
	v.SetDefault("cluster.linkage", "single")
	v.SetDefault("cluster.replacenan", "mean")
	v.SetDefault("cluster.cores", 0)
	v.SetDefault("cluster.dthresh", 5.0)
	v.SetDefault("cluster.tthresh", 86400.0)
	v.SetDefault("cluster.indivshifts", false)

	v.SetDefault("ranking.minavgcorrelation", 0.0)
	v.SetDefault("ranking.minsnr", 0.0)
	v.SetDefault("ranking.weights.correlation", 0.6)
	v.SetDefault("ranking.weights.thresholdratio", 0.25)
	v.SetDefault("ranking.weights.snr", 0.15)
	v.SetDefault("ranking.trigint", 2.0)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.cachettl", 30*time.Second)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientid", "eqcutil")
	v.SetDefault("mqtt.topic", "eqcutil/reviews")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", false)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.bucket", "eqcutil")
	v.SetDefault("archive.prefix", "tribes")

	v.SetDefault("telemetry.sentry.enabled", false)
	v.SetDefault("telemetry.metrics", true)
}
