// Package influxdb writes fleet telemetry to InfluxDB v2.
//
// Every status observation the fleet server makes becomes a device_status
// point tagged with device_id and status, plus one device_property point per
// numeric or boolean property. Writes go through the client library's
// non-blocking write API; batch failures arrive on the SetOnError callback.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteDeviceStatus("sensor01", "online", props, time.Now())
package influxdb
