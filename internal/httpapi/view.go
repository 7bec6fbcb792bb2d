package httpapi

import (
	"time"

	"github.com/aeoncorex/streamx"
)

type statusView struct {
	State string `json:"state"`
	Code  int    `json:"code"`
	Error string `json:"error,omitempty"`

	InfoHash   string `json:"infoHash"`
	Name       string `json:"name,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	FilePath   string `json:"filePath,omitempty"`
	FileLength int64  `json:"fileLength"`

	Progress int   `json:"progress"`
	Frontier int64 `json:"frontier"`
	Playhead int64 `json:"playhead"`

	VerifiedPieces int `json:"verifiedPieces"`
	TotalPieces    int `json:"totalPieces"`

	DownloadRate int64 `json:"downloadRate"`
	UploadRate   int64 `json:"uploadRate"`
	Downloaded   int64 `json:"downloaded"`
	Uploaded     int64 `json:"uploaded"`

	Peers int `json:"peers"`
	Seeds int `json:"seeds"`

	Updated time.Time `json:"updated"`
}

func newStatusView(st streamx.Status) statusView {
	v := statusView{
		State:          st.State.String(),
		Code:           st.Code(),
		InfoHash:       st.InfoHash,
		Name:           st.Name,
		FileName:       st.FileName,
		FilePath:       st.FilePath,
		FileLength:     st.FileLength,
		Progress:       st.Progress,
		Frontier:       st.Frontier,
		Playhead:       st.Playhead,
		VerifiedPieces: st.VerifiedPieces,
		TotalPieces:    st.TotalPieces,
		DownloadRate:   st.DownloadRate,
		UploadRate:     st.UploadRate,
		Downloaded:     st.Downloaded,
		Uploaded:       st.Uploaded,
		Peers:          st.Peers,
		Seeds:          st.Seeds,
		Updated:        st.Updated,
	}

	if st.Err != nil {
		v.Error = st.Err.Error()
	}

	return v
}
