package models

import "time"

type FirmwareUpdateStatus string

const (
	FirmwareUpdatePending            FirmwareUpdateStatus = "PENDING"
	FirmwareUpdateDownloading        FirmwareUpdateStatus = "DOWNLOADING"
	FirmwareUpdateDownloaded         FirmwareUpdateStatus = "DOWNLOADED"
	FirmwareUpdateInstalling         FirmwareUpdateStatus = "INSTALLING"
	FirmwareUpdateInstalled          FirmwareUpdateStatus = "INSTALLED"
	FirmwareUpdateDownloadFailed     FirmwareUpdateStatus = "DOWNLOAD_FAILED"
	FirmwareUpdateInstallationFailed FirmwareUpdateStatus = "INSTALLATION_FAILED"
)

type FirmwareUpdate struct {
	ChargePointId string               `json:"charge_point_id" bson:"charge_point_id"`
	Location      string               `json:"location" bson:"location"`
	Status        FirmwareUpdateStatus `json:"status" bson:"status"`
	UpdatedAt     time.Time            `json:"updated_at" bson:"updated_at"`
}
