// Package domain holds the shared data model for the expediente ingestion and
// retrieval pipeline: expedientes, documents, chunks, jobs, sessions, and audit
// records. Nothing here talks to a database or network; it is the vocabulary
// every other package shares.
package domain

import "time"

// DocumentStatus tracks a document through the ingestion pipeline. A
// Document only ever occupies one of these three states: it is born
// Pendiente inside the same transaction that will insert its Chunks, and
// leaves that transaction either Procesado or Error. It never carries the
// job-level states (Procesando/Cancelado) those belong to IngestionJob.
type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "pendiente"
	DocumentProcessed DocumentStatus = "procesado"
	DocumentError     DocumentStatus = "error"
)

// JobStatus is the IngestionJob state machine: Pendiente ->
// Procesando -> {Completado, Fallido, Cancelado}, with a direct
// Pendiente -> Cancelado edge before start().
type JobStatus string

const (
	JobPendiente   JobStatus = "pendiente"
	JobProcesando  JobStatus = "procesando"
	JobCompletado  JobStatus = "completado"
	JobFallido     JobStatus = "fallido"
	JobCancelado   JobStatus = "cancelado"
)

// Terminal reports whether s is one of the state machine's terminal states,
// after which no further transitions are observable.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompletado, JobFallido, JobCancelado:
		return true
	default:
		return false
	}
}

// SourceKind identifies the original file family a document was ingested from.
type SourceKind string

const (
	SourcePDF  SourceKind = "pdf"
	SourceDOC  SourceKind = "doc"
	SourceDOCX SourceKind = "docx"
	SourceRTF  SourceKind = "rtf"
	SourceTXT  SourceKind = "txt"
	SourceHTML SourceKind = "html"
	SourceAudio SourceKind = "audio"
)

// ExpedienteNumeroPattern is the expediente business-key shape:
// `^(\d{2}|\d{4})-\d{6}-\d{4}-[A-Z]{2}$`, e.g. "24-000123-0001-PE".
const ExpedienteNumeroPattern = `^(\d{2}|\d{4})-\d{6}-\d{4}-[A-Z]{2}$`

// Expediente is the legal case file that documents are attached to. It is
// unique by its business-key Numero and is lazily get-or-created on first
// ingestion that references it.
type Expediente struct {
	Numero      string
	Titulo      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DocumentIDs []string
}

// Document is one ingested file belonging to an Expediente.
type Document struct {
	ID              string
	ExpedienteNum   string
	Filename        string
	StoragePath     string
	SourceKind      SourceKind
	Status          DocumentStatus
	SHA256          string
	SizeBytes       int64
	PageCount       int
	Language        string
	Title           string
	ErrorMessage    string
	ChunkCount      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Chunk is a retrievable slice of a Document's extracted text. Invariant:
// (DocumentID, Index) is unique; 0 <= PageStart <= PageEnd. ExpedienteNum and
// Filename are denormalized from the parent Document so the vector store can
// filter without joining.
type Chunk struct {
	ID            string
	DocumentID    string
	ExpedienteNum string
	Filename      string
	Index         int
	Text          string
	PageStart     int
	PageEnd       int
	Embedding     []float32
}

// IngestionJob records one per-file processing attempt: the entity the
// ProgressTracker and the progress endpoint expose. Lifetime: created on
// upload accept, TTL-expires ~1h after reaching a terminal Status.
type IngestionJob struct {
	ID            string
	ExpedienteNum string
	Filename      string
	Status        JobStatus
	CurrentStep   int
	TotalSteps    int
	Message       string
	ErrorDetails  string
	StartedAt     time.Time
	EndedAt       *time.Time
}

// RetrievalMode selects how the Retriever scopes its search.
type RetrievalMode string

const (
	ModeGeneral    RetrievalMode = "general"
	ModeExpediente RetrievalMode = "expediente"
)

// Session is a conversation thread belonging to a single user.
type Session struct {
	ID            string
	OwnerUserID   int64
	Title         string
	Mode          RetrievalMode
	ExpedienteNum string // only set when Mode == ModeExpediente
	Summary       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MessageRole distinguishes turns in a Session's transcript.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn of a Session's conversation.
type Message struct {
	ID        string
	SessionID string
	Role      MessageRole
	Content   string
	CreatedAt time.Time
}

// AuditActionType is the closed action_type_id enumeration. Values
// are fixed and must never be renumbered: external audit exports key on the
// integer, not the label.
type AuditActionType int

const (
	AuditBusquedaCasosSimilares AuditActionType = 1
	AuditCargaDocumentos        AuditActionType = 2
	AuditLogin                  AuditActionType = 3
	AuditLogout                 AuditActionType = 4
	AuditCambioContrasena       AuditActionType = 5
	AuditRecuperacionContrasena AuditActionType = 6
	AuditCrearUsuario           AuditActionType = 7
	AuditEditarUsuario          AuditActionType = 8
	AuditConsultarUsuarios      AuditActionType = 9
	AuditDescargarArchivo       AuditActionType = 10
	AuditListarArchivos         AuditActionType = 11
	AuditConsultaRAG            AuditActionType = 12
	AuditGenerarResumen         AuditActionType = 13
	AuditConsultarBitacora      AuditActionType = 14
	AuditExportarBitacora       AuditActionType = 15
)

// String returns the Spanish label used in the enumeration table.
func (a AuditActionType) String() string {
	switch a {
	case AuditBusquedaCasosSimilares:
		return "Búsqueda de Casos Similares"
	case AuditCargaDocumentos:
		return "Carga de Documentos"
	case AuditLogin:
		return "Login"
	case AuditLogout:
		return "Logout"
	case AuditCambioContrasena:
		return "Cambio de Contraseña"
	case AuditRecuperacionContrasena:
		return "Recuperación de Contraseña"
	case AuditCrearUsuario:
		return "Crear Usuario"
	case AuditEditarUsuario:
		return "Editar Usuario"
	case AuditConsultarUsuarios:
		return "Consultar Usuarios"
	case AuditDescargarArchivo:
		return "Descargar Archivo"
	case AuditListarArchivos:
		return "Listar Archivos"
	case AuditConsultaRAG:
		return "Consulta RAG"
	case AuditGenerarResumen:
		return "Generar Resumen"
	case AuditConsultarBitacora:
		return "Consultar Bitácora"
	case AuditExportarBitacora:
		return "Exportar Bitácora"
	default:
		return "desconocido"
	}
}

// AuditRecord is one append-only audit trail entry. UserID and
// ExpedienteID are optional; InfoJSON carries action-specific context.
type AuditRecord struct {
	ID            string
	Timestamp     time.Time
	UserID        *int64
	ActionType    AuditActionType
	Text          string
	ExpedienteID  string
	InfoJSON      string
}
